package smartlink

import (
	"fmt"
	"time"

	"github.com/0w0mewo/flexlink-cli/internal/flex/wire"
	"github.com/0w0mewo/flexlink-cli/internal/models"
)

// Server message types.
const (
	TypeHello        = "HELLO"
	TypeRadioList    = "RADIO_LIST"
	TypeRadioAdded   = "RADIO_ADDED"
	TypeRadioUpdated = "RADIO_UPDATED"
	TypeRadioRemoved = "RADIO_REMOVED"
	TypeTestResult   = "TEST_RESULT"
	TypeConnectReady = "CONNECT_READY"
	TypeError        = "ERROR"
)

// Client message types.
const (
	TypeTest    = "TEST"
	TypeConnect = "CONNECT"
)

// ServerMessage is one message pushed by the relay.
type ServerMessage struct {
	Type    string        `json:"type"`
	Radios  *[]RelayRadio `json:"radios,omitempty"`
	Radio   *RelayRadio   `json:"radio,omitempty"`
	Serial  string        `json:"serial,omitempty"`
	Result  *TestResult   `json:"result,omitempty"`
	Handle  string        `json:"handle,omitempty"`
	Host    string        `json:"host,omitempty"`
	TLSPort int           `json:"tlsPort,omitempty"`
	Code    int           `json:"code,omitempty"`
	Message string        `json:"message,omitempty"`
}

// ClientMessage is one request sent to the relay.
type ClientMessage struct {
	Type   string `json:"type"`
	Serial string `json:"serial"`
}

type RelayClient struct {
	Handle   string `json:"handle"`
	ClientID string `json:"clientId,omitempty"`
	Station  string `json:"station"`
	Program  string `json:"program"`
	LocalPtt bool   `json:"localPtt"`
}

// RelayRadio is the relay's view of one radio registered with it.
type RelayRadio struct {
	Serial     string        `json:"serial"`
	Nickname   string        `json:"nickname"`
	Model      string        `json:"model"`
	Version    string        `json:"version"`
	PublicIP   string        `json:"publicIp"`
	TLSPort    int           `json:"publicTlsPort"`
	Status     string        `json:"status"`
	GuiClients []RelayClient `json:"guiClients"`
}

// TestResult reports which relay paths reached the radio.
type TestResult struct {
	Serial       string `json:"serial"`
	UPnPTCP      bool   `json:"upnpTcp"`
	UPnPUDP      bool   `json:"upnpUdp"`
	ForwardTCP   bool   `json:"forwardTcp"`
	ForwardUDP   bool   `json:"forwardUdp"`
	NatHolePunch bool   `json:"natHolePunch"`
}

// Success is true when at least one path works in both directions.
func (r TestResult) Success() bool {
	return (r.UPnPTCP && r.UPnPUDP) || (r.ForwardTCP && r.ForwardUDP) || r.NatHolePunch
}

// ConnectReady carries what a TLS session through the relay needs.
type ConnectReady struct {
	Serial  string
	Handle  string
	Host    string
	TLSPort int
}

// ToPacket converts the relay radio to a discovery packet.
func (r RelayRadio) ToPacket(seen time.Time) (models.RadioPacket, error) {
	pkt := models.RadioPacket{
		Serial:       r.Serial,
		Nickname:     r.Nickname,
		Model:        r.Model,
		Version:      r.Version,
		PublicIP:     r.PublicIP,
		TLSPort:      r.TLSPort,
		Status:       r.Status,
		Source:       models.SourceSmartlink,
		GuiClients:   make([]models.GuiClientInfo, 0, len(r.GuiClients)),
		LastSeen:     seen,
		WanConnected: true,
	}
	if pkt.Serial == "" {
		return models.RadioPacket{}, fmt.Errorf("relay radio without serial")
	}

	handles := make(map[uint32]struct{}, len(r.GuiClients))
	for _, c := range r.GuiClients {
		h, err := wire.ParseHex(c.Handle)
		if err != nil {
			return models.RadioPacket{}, fmt.Errorf("radio %s: bad handle %q: %w", r.Serial, c.Handle, err)
		}
		if _, dup := handles[h]; dup {
			return models.RadioPacket{}, fmt.Errorf("radio %s: duplicate handle %q", r.Serial, c.Handle)
		}
		handles[h] = struct{}{}
		pkt.GuiClients = append(pkt.GuiClients, models.GuiClientInfo{
			Handle:     h,
			ClientID:   c.ClientID,
			Station:    c.Station,
			Program:    c.Program,
			IsLocalPtt: c.LocalPtt,
		})
	}
	return pkt, nil
}

// FromPacket is the relay side encoding, used by the relay simulator.
func FromPacket(pkt models.RadioPacket) RelayRadio {
	r := RelayRadio{
		Serial:     pkt.Serial,
		Nickname:   pkt.Nickname,
		Model:      pkt.Model,
		Version:    pkt.Version,
		PublicIP:   pkt.PublicIP,
		TLSPort:    pkt.TLSPort,
		Status:     pkt.Status,
		GuiClients: make([]RelayClient, 0, len(pkt.GuiClients)),
	}
	for _, c := range pkt.GuiClients {
		r.GuiClients = append(r.GuiClients, RelayClient{
			Handle:   c.HandleHex(),
			ClientID: c.ClientID,
			Station:  c.Station,
			Program:  c.Program,
			LocalPtt: c.IsLocalPtt,
		})
	}
	return r
}

func NewTestMessage(serial string) ClientMessage {
	return ClientMessage{Type: TypeTest, Serial: serial}
}

func NewConnectMessage(serial string) ClientMessage {
	return ClientMessage{Type: TypeConnect, Serial: serial}
}
