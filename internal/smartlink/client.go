package smartlink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	flexerrors "github.com/0w0mewo/flexlink-cli/internal/flex/errors"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// DefaultServer is the public Smartlink relay.
	DefaultServer = "wss://smartlink.flexradio.com/v1/ws"

	// Ping interval to keep connection alive.
	pingInterval = time.Minute

	// Write timeout for WebSocket messages.
	writeTimeout = 10 * time.Second

	helloTimeout = 30 * time.Second
)

// Client is an authenticated channel to the Smartlink relay.
type Client struct {
	conn      *websocket.Conn
	radios    map[string]RelayRadio
	radiosMu  sync.RWMutex
	msgChan   chan ServerMessage
	sendChan  chan ClientMessage
	done      chan struct{}
	closeOnce sync.Once
	onConnect map[string]chan ServerMessage // serial -> waiting RequestConnect
	connectMu sync.Mutex
}

// Connect opens the relay channel using the id token of a login and waits
// for the relay's HELLO.
func Connect(ctx context.Context, uri string, idToken string, appID uuid.UUID) (*Client, error) {
	wsURL, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid relay URL: %w", err)
	}
	q := wsURL.Query()
	q.Set("app", appID.String())
	wsURL.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+idToken)

	slog.Debug("Connecting to smartlink relay", "url", wsURL.String())

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL.String(), header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: relay rejected token", flexerrors.ErrLoginRequired)
		}
		return nil, fmt.Errorf("%w: %v", flexerrors.ErrRelayUnavailable, err)
	}

	client := &Client{
		conn:      conn,
		radios:    make(map[string]RelayRadio),
		msgChan:   make(chan ServerMessage, 16),
		sendChan:  make(chan ClientMessage, 16),
		done:      make(chan struct{}),
		onConnect: make(map[string]chan ServerMessage),
	}

	if err := client.waitForHello(); err != nil {
		conn.Close()
		return nil, err
	}

	go client.readLoop()
	go client.writeLoop()
	go client.pingLoop()

	slog.Info("Connected to smartlink relay", "radios", len(client.radios))

	return client, nil
}

func (c *Client) waitForHello() error {
	c.conn.SetReadDeadline(time.Now().Add(helloTimeout))
	defer c.conn.SetReadDeadline(time.Time{})

	_, msgBytes, err := c.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("%w: read HELLO: %v", flexerrors.ErrRelayUnavailable, err)
	}

	var msg ServerMessage
	if err := json.Unmarshal(msgBytes, &msg); err != nil {
		return fmt.Errorf("%w: parse HELLO: %v", flexerrors.ErrRelayUnavailable, err)
	}
	if msg.Type != TypeHello {
		return fmt.Errorf("%w: expected HELLO, got %s", flexerrors.ErrRelayUnavailable, msg.Type)
	}

	if msg.Radios != nil {
		for _, r := range *msg.Radios {
			c.radios[r.Serial] = r
		}
	}
	return nil
}

func (c *Client) readLoop() {
	defer close(c.msgChan)
	// stops the write and ping loops when the relay hangs up
	defer c.Close()

	for {
		_, msgBytes, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("Relay read error", "error", err)
			}
			c.failConnects()
			return
		}

		var msg ServerMessage
		if err := json.Unmarshal(msgBytes, &msg); err != nil {
			slog.Warn("Failed to parse relay message", "error", err, "msg", string(msgBytes))
			continue
		}

		c.handleRadioUpdate(msg)

		if (msg.Type == TypeConnectReady || msg.Type == TypeError) && msg.Serial != "" {
			c.connectMu.Lock()
			if ch, ok := c.onConnect[msg.Serial]; ok {
				delete(c.onConnect, msg.Serial)
				c.connectMu.Unlock()
				ch <- msg
				continue
			}
			c.connectMu.Unlock()
		}

		select {
		case c.msgChan <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *Client) writeLoop() {
	for {
		select {
		case msg := <-c.sendChan:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				slog.Warn("Failed to send relay message", "type", msg.Type, "error", err)
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				slog.Warn("Failed to send ping", "error", err)
				return
			}
		case <-c.done:
			return
		}
	}
}

// handleRadioUpdate keeps the relay's radio list current.
func (c *Client) handleRadioUpdate(msg ServerMessage) {
	c.radiosMu.Lock()
	defer c.radiosMu.Unlock()

	switch msg.Type {
	case TypeRadioList:
		c.radios = make(map[string]RelayRadio)
		if msg.Radios != nil {
			for _, r := range *msg.Radios {
				c.radios[r.Serial] = r
			}
		}
	case TypeRadioAdded, TypeRadioUpdated:
		if msg.Radio != nil {
			if _, known := c.radios[msg.Radio.Serial]; !known {
				slog.Info("Relay radio available", "serial", msg.Radio.Serial, "nickname", msg.Radio.Nickname)
			}
			c.radios[msg.Radio.Serial] = *msg.Radio
		}
	case TypeRadioRemoved:
		if _, ok := c.radios[msg.Serial]; ok {
			slog.Info("Relay radio removed", "serial", msg.Serial)
		}
		delete(c.radios, msg.Serial)
	}
}

// failConnects releases every RequestConnect still waiting.
func (c *Client) failConnects() {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	for serial, ch := range c.onConnect {
		ch <- ServerMessage{Type: TypeError, Serial: serial, Message: "relay connection closed"}
		delete(c.onConnect, serial)
	}
}

// Close closes the relay connection.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// Done is closed when the client has been closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Radios returns a copy of the relay's radio list ordered by serial.
func (c *Client) Radios() []RelayRadio {
	c.radiosMu.RLock()
	defer c.radiosMu.RUnlock()

	radios := make([]RelayRadio, 0, len(c.radios))
	for _, r := range c.radios {
		radios = append(radios, r)
	}
	sort.Slice(radios, func(i, j int) bool { return radios[i].Serial < radios[j].Serial })
	return radios
}

// Messages returns a channel for receiving relay messages. It is closed when
// the connection ends.
func (c *Client) Messages() <-chan ServerMessage {
	return c.msgChan
}

// SendTest asks the relay to test reachability of a radio. The result
// arrives later as a TEST_RESULT message.
func (c *Client) SendTest(serial string) error {
	return c.send(NewTestMessage(serial))
}

// RequestConnect asks the relay to prepare a TLS session to a radio and
// waits until it is ready.
func (c *Client) RequestConnect(ctx context.Context, serial string) (ConnectReady, error) {
	ch := make(chan ServerMessage, 1)
	c.connectMu.Lock()
	if _, busy := c.onConnect[serial]; busy {
		c.connectMu.Unlock()
		return ConnectReady{}, flexerrors.ErrAlreadyConnected
	}
	c.onConnect[serial] = ch
	c.connectMu.Unlock()

	cancel := func() {
		c.connectMu.Lock()
		delete(c.onConnect, serial)
		c.connectMu.Unlock()
	}

	if err := c.send(NewConnectMessage(serial)); err != nil {
		cancel()
		return ConnectReady{}, err
	}

	select {
	case msg := <-ch:
		if msg.Type == TypeError {
			return ConnectReady{}, fmt.Errorf("%w: %s", flexerrors.ErrRelayUnavailable, msg.Message)
		}
		return ConnectReady{Serial: serial, Handle: msg.Handle, Host: msg.Host, TLSPort: msg.TLSPort}, nil
	case <-ctx.Done():
		cancel()
		return ConnectReady{}, ctx.Err()
	case <-c.done:
		return ConnectReady{}, fmt.Errorf("%w: connection closed", flexerrors.ErrRelayUnavailable)
	}
}

func (c *Client) send(msg ClientMessage) error {
	select {
	case c.sendChan <- msg:
		return nil
	case <-c.done:
		return fmt.Errorf("%w: connection closed", flexerrors.ErrRelayUnavailable)
	}
}
