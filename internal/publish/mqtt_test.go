package publish

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/0w0mewo/flexlink-cli/internal/models"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type doneToken struct{}

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (doneToken) Error() error { return nil }

type sent struct {
	topic    string
	retained bool
	payload  []byte
}

type fakeClient struct {
	mu   sync.Mutex
	msgs []sent
}

func (f *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, sent{topic, retained, payload.([]byte)})
	return doneToken{}
}

func TestPublishPacket(t *testing.T) {
	fc := &fakeClient{}
	p := newPublisher(fc, Config{})

	pkt := models.RadioPacket{Serial: "1234-5678-9012-3456", Nickname: "Shack", Source: models.SourceLocal}
	p.PublishPacket(models.PacketEvent{Action: models.PacketAdded, Packet: pkt})
	p.PublishPacket(models.PacketEvent{Action: models.PacketRemoved, Packet: pkt})

	if len(fc.msgs) != 2 {
		t.Fatalf("published %d messages; want 2", len(fc.msgs))
	}

	const topic = "flexlink/radios/local/1234-5678-9012-3456"
	added := fc.msgs[0]
	if added.topic != topic || !added.retained {
		t.Errorf("added published to %q retained=%v", added.topic, added.retained)
	}
	var payload RadioPayload
	if err := json.Unmarshal(added.payload, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.Action != "added" || payload.Radio.Nickname != "Shack" {
		t.Errorf("payload = %+v", payload)
	}

	removed := fc.msgs[1]
	if removed.topic != topic || !removed.retained || len(removed.payload) != 0 {
		t.Errorf("removal should clear the retained message, got %+v", removed)
	}
}

func TestPublishClient(t *testing.T) {
	fc := &fakeClient{}
	p := newPublisher(fc, Config{TopicPrefix: "shack"})

	p.PublishClient(models.ClientEvent{
		Action: models.ClientCompleted,
		Serial: "A",
		Source: models.SourceSmartlink,
		Client: models.GuiClientInfo{Handle: 0x1A2B3C4D, ClientID: "abc", Station: "Laptop"},
	})

	if len(fc.msgs) != 1 {
		t.Fatalf("published %d messages; want 1", len(fc.msgs))
	}
	m := fc.msgs[0]
	if m.topic != "shack/clients/smartlink/A" || m.retained {
		t.Errorf("published to %q retained=%v", m.topic, m.retained)
	}
	var payload ClientPayload
	if err := json.Unmarshal(m.payload, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.Action != "completed" || payload.Source != models.SourceSmartlink || payload.Handle != "0x1A2B3C4D" || payload.Client.ClientID != "abc" {
		t.Errorf("payload = %+v", payload)
	}
}
