package smartlink_test

import (
	"context"
	"errors"
	"testing"
	"time"

	flexerrors "github.com/0w0mewo/flexlink-cli/internal/flex/errors"
	"github.com/0w0mewo/flexlink-cli/internal/models"
	"github.com/0w0mewo/flexlink-cli/internal/smartlink"
	"github.com/0w0mewo/flexlink-cli/internal/smartlink/relaytest"
	"github.com/google/uuid"
)

func remoteRadio(serial string, clients ...models.GuiClientInfo) models.RadioPacket {
	return models.RadioPacket{
		Serial:     serial,
		Nickname:   "Remote",
		Model:      "FLEX-6400",
		Version:    "3.4.35.141",
		PublicIP:   "203.0.113.7",
		TLSPort:    4994,
		Source:     models.SourceSmartlink,
		GuiClients: clients,
	}
}

func dial(t *testing.T, relay *relaytest.Relay, token string) *smartlink.Client {
	t.Helper()
	client, err := smartlink.Connect(context.Background(), relay.URL(), token, uuid.New())
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func nextMessage(t *testing.T, client *smartlink.Client, typ string) smartlink.ServerMessage {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case msg, ok := <-client.Messages():
			if !ok {
				t.Fatalf("channel closed waiting for %s", typ)
			}
			if msg.Type == typ {
				return msg
			}
		case <-timeout:
			t.Fatalf("no %s message", typ)
		}
	}
}

func TestHelloRadioList(t *testing.T) {
	relay := relaytest.NewRelay(nil)
	defer relay.Close()
	relay.SetRadio(remoteRadio("B"))
	relay.SetRadio(remoteRadio("A", models.GuiClientInfo{Handle: 0x2A, Station: "Shack"}))

	client := dial(t, relay, "token")

	radios := client.Radios()
	if len(radios) != 2 || radios[0].Serial != "A" {
		t.Fatalf("Radios = %+v; want A and B", radios)
	}

	pkt, err := radios[0].ToPacket(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if pkt.Source != models.SourceSmartlink || len(pkt.GuiClients) != 1 || pkt.GuiClients[0].Handle != 0x2A {
		t.Errorf("packet = %+v", pkt)
	}
}

func TestRadioPushes(t *testing.T) {
	relay := relaytest.NewRelay(nil)
	defer relay.Close()
	client := dial(t, relay, "token")

	relay.SetRadio(remoteRadio("A"))
	msg := nextMessage(t, client, smartlink.TypeRadioAdded)
	if msg.Radio == nil || msg.Radio.Serial != "A" {
		t.Errorf("added = %+v", msg)
	}

	relay.RemoveRadio("A")
	msg = nextMessage(t, client, smartlink.TypeRadioRemoved)
	if msg.Serial != "A" {
		t.Errorf("removed serial = %q; want A", msg.Serial)
	}
	if len(client.Radios()) != 0 {
		t.Errorf("Radios = %+v; want none", client.Radios())
	}
}

func TestSendTest(t *testing.T) {
	relay := relaytest.NewRelay(nil)
	defer relay.Close()
	relay.SetTestResult(smartlink.TestResult{Serial: "A", ForwardTCP: true, ForwardUDP: true})
	client := dial(t, relay, "token")

	if err := client.SendTest("A"); err != nil {
		t.Fatal(err)
	}
	msg := nextMessage(t, client, smartlink.TypeTestResult)
	if msg.Result == nil || !msg.Result.Success() {
		t.Errorf("result = %+v; want success", msg.Result)
	}
}

func TestRequestConnect(t *testing.T) {
	relay := relaytest.NewRelay(nil)
	defer relay.Close()
	relay.SetConnectTarget("A", relaytest.ConnectTarget{Host: "127.0.0.1", TLSPort: 4994, Handle: "ABCD"})
	client := dial(t, relay, "token")

	ready, err := client.RequestConnect(context.Background(), "A")
	if err != nil {
		t.Fatal(err)
	}
	if ready.Handle != "ABCD" || ready.TLSPort != 4994 {
		t.Errorf("ready = %+v", ready)
	}

	_, err = client.RequestConnect(context.Background(), "unknown")
	if !errors.Is(err, flexerrors.ErrRelayUnavailable) {
		t.Errorf("err = %v; want ErrRelayUnavailable", err)
	}
}

func TestRelayRejectsBadToken(t *testing.T) {
	iss := startIssuer(t)
	relay := relaytest.NewRelay(iss.Verifier())
	defer relay.Close()

	_, err := smartlink.Connect(context.Background(), relay.URL(), "not-a-token", uuid.New())
	if !errors.Is(err, flexerrors.ErrLoginRequired) {
		t.Fatalf("err = %v; want ErrLoginRequired", err)
	}

	token, err := iss.IDToken("op@example.com")
	if err != nil {
		t.Fatal(err)
	}
	dial(t, relay, token)
}

func TestTestResultSuccess(t *testing.T) {
	tests := []struct {
		res  smartlink.TestResult
		want bool
	}{
		{smartlink.TestResult{}, false},
		{smartlink.TestResult{UPnPTCP: true}, false},
		{smartlink.TestResult{UPnPTCP: true, UPnPUDP: true}, true},
		{smartlink.TestResult{NatHolePunch: true}, true},
	}
	for _, tt := range tests {
		if got := tt.res.Success(); got != tt.want {
			t.Errorf("%+v.Success() = %v; want %v", tt.res, got, tt.want)
		}
	}
}
