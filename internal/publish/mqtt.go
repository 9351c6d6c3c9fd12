// Package publish mirrors discovery events to an MQTT broker.
package publish

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/0w0mewo/flexlink-cli/internal/flex/discovery"
	"github.com/0w0mewo/flexlink-cli/internal/models"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	DefaultTopicPrefix = "flexlink"
	publishTimeout     = 5 * time.Second
)

type Config struct {
	Broker      string `yaml:"broker"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topicPrefix"`
	QoS         byte   `yaml:"qos"`
}

// publisher is the part of mqtt.Client this package needs.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

type Publisher struct {
	client publisher
	conn   mqtt.Client // nil in tests
	prefix string
	qos    byte
}

type RadioPayload struct {
	Timestamp int64              `json:"timestamp"`
	Action    string             `json:"action"`
	Radio     models.RadioPacket `json:"radio"`
}

type ClientPayload struct {
	Timestamp int64                `json:"timestamp"`
	Action    string               `json:"action"`
	Serial    string               `json:"serial"`
	Source    models.Source        `json:"source"`
	Client    models.GuiClientInfo `json:"client"`
	Handle    string               `json:"handle"`
}

func generateClientID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return "flexlink_" + hex.EncodeToString(b)
}

// Connect dials the broker and returns once the first connection is up.
func Connect(cfg Config) (*Publisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(generateClientID())
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(10 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	opts.SetOnConnectHandler(func(mqtt.Client) {
		slog.Info("MQTT connected", "broker", cfg.Broker)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		slog.Warn("MQTT connection lost", "error", err)
	})
	opts.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		slog.Info("MQTT reconnecting", "broker", cfg.Broker)
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect to MQTT broker: %w", token.Error())
	}

	p := newPublisher(client, cfg)
	p.conn = client
	return p, nil
}

func newPublisher(client publisher, cfg Config) *Publisher {
	prefix := cfg.TopicPrefix
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return &Publisher{client: client, prefix: prefix, qos: cfg.QoS}
}

// Run publishes events until ctx is done or both subscriptions end.
func (p *Publisher) Run(ctx context.Context, packets *discovery.Sub[models.PacketEvent], clients *discovery.Sub[models.ClientEvent]) {
	pc, cc := packets.C(), clients.C()
	for pc != nil || cc != nil {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-pc:
			if !ok {
				pc = nil
				continue
			}
			p.PublishPacket(ev)
		case ev, ok := <-cc:
			if !ok {
				cc = nil
				continue
			}
			p.PublishClient(ev)
		}
	}
}

// PublishPacket keeps a retained document per discovery entry. Removal
// clears it with an empty retained message.
func (p *Publisher) PublishPacket(ev models.PacketEvent) {
	topic := p.radioTopic(ev.Packet.Key())
	if ev.Action == models.PacketRemoved {
		p.send(topic, true, []byte{})
		return
	}

	data, err := json.Marshal(RadioPayload{
		Timestamp: time.Now().Unix(),
		Action:    ev.Action.String(),
		Radio:     ev.Packet,
	})
	if err != nil {
		slog.Error("Failed to encode radio", "serial", ev.Packet.Serial, "error", err)
		return
	}
	p.send(topic, true, data)
}

func (p *Publisher) PublishClient(ev models.ClientEvent) {
	data, err := json.Marshal(ClientPayload{
		Timestamp: time.Now().Unix(),
		Action:    ev.Action.String(),
		Serial:    ev.Serial,
		Source:    ev.Source,
		Client:    ev.Client,
		Handle:    ev.Client.HandleHex(),
	})
	if err != nil {
		slog.Error("Failed to encode client event", "serial", ev.Serial, "error", err)
		return
	}
	p.send(p.clientTopic(ev.Key()), false, data)
}

func (p *Publisher) radioTopic(key models.PacketKey) string {
	return fmt.Sprintf("%s/radios/%s/%s", p.prefix, key.Source, key.Serial)
}

func (p *Publisher) clientTopic(key models.PacketKey) string {
	return fmt.Sprintf("%s/clients/%s/%s", p.prefix, key.Source, key.Serial)
}

func (p *Publisher) send(topic string, retained bool, payload []byte) {
	token := p.client.Publish(topic, p.qos, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		slog.Warn("MQTT publish timed out", "topic", topic)
		return
	}
	if err := token.Error(); err != nil {
		slog.Warn("MQTT publish failed", "topic", topic, "error", err)
	}
}

func (p *Publisher) Close() {
	if p.conn != nil {
		p.conn.Disconnect(250)
	}
}
