package store

import (
	"testing"

	"github.com/0w0mewo/flexlink-cli/internal/models"
)

var keyA = models.PacketKey{Serial: "A", Source: models.SourceLocal}

type wantEvent struct {
	action models.ClientAction
	handle uint32
}

func checkEvents(t *testing.T, got []models.ClientEvent, want []wantEvent) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d events %+v; want %d", len(got), got, len(want))
	}
	for i := range want {
		if got[i].Action != want[i].action || got[i].Client.Handle != want[i].handle {
			t.Errorf("event %d = %s %d; want %s %d", i, got[i].Action, got[i].Client.Handle, want[i].action, want[i].handle)
		}
	}
}

func TestDiffCompletedThenAdded(t *testing.T) {
	reg := NewGuiClients()

	checkEvents(t, reg.Diff(keyA, []models.GuiClientInfo{{Handle: 1, Station: "Shack"}}),
		[]wantEvent{{models.ClientAdded, 1}})

	events := reg.Diff(keyA, []models.GuiClientInfo{
		{Handle: 1, Station: "Shack", ClientID: "7F1C0A3E"},
		{Handle: 2, Station: "Laptop"},
	})
	checkEvents(t, events, []wantEvent{{models.ClientCompleted, 1}, {models.ClientAdded, 2}})
}

func TestDiffRemoved(t *testing.T) {
	reg := NewGuiClients()
	reg.Diff(keyA, []models.GuiClientInfo{{Handle: 1}, {Handle: 2}, {Handle: 3}})

	events := reg.Diff(keyA, []models.GuiClientInfo{{Handle: 2}})
	checkEvents(t, events, []wantEvent{{models.ClientRemoved, 1}, {models.ClientRemoved, 3}})
}

func TestDiffNoChangeNoEvents(t *testing.T) {
	reg := NewGuiClients()
	clients := []models.GuiClientInfo{{Handle: 1, ClientID: "X", Station: "Shack"}}
	reg.Diff(keyA, clients)

	if events := reg.Diff(keyA, clients); len(events) != 0 {
		t.Errorf("events = %+v; want none", events)
	}
	// empty lists never produce events
	if events := reg.Diff(models.PacketKey{Serial: "B", Source: models.SourceLocal}, nil); len(events) != 0 {
		t.Errorf("events = %+v; want none", events)
	}
}

func TestDiffReconnectWithNewHandle(t *testing.T) {
	reg := NewGuiClients()
	reg.Diff(keyA, []models.GuiClientInfo{{Handle: 1, ClientID: "X", Station: "Shack"}})

	events := reg.Diff(keyA, []models.GuiClientInfo{{Handle: 9, Station: "Shack"}})
	checkEvents(t, events, []wantEvent{{models.ClientAdded, 9}, {models.ClientRemoved, 1}})

	events = reg.Diff(keyA, []models.GuiClientInfo{{Handle: 9, ClientID: "X", Station: "Shack"}})
	checkEvents(t, events, []wantEvent{{models.ClientCompleted, 9}})
}

func TestForget(t *testing.T) {
	reg := NewGuiClients()
	reg.Diff(keyA, []models.GuiClientInfo{{Handle: 1}, {Handle: 2}})

	checkEvents(t, reg.Forget(keyA), []wantEvent{{models.ClientRemoved, 1}, {models.ClientRemoved, 2}})
	if len(reg.Clients(keyA)) != 0 {
		t.Error("Forget should clear the snapshot")
	}
}

func TestDiffSourcesKeptApart(t *testing.T) {
	reg := NewGuiClients()
	relayA := models.PacketKey{Serial: "A", Source: models.SourceSmartlink}
	shack := []models.GuiClientInfo{{Handle: 0x1A, ClientID: "abc", Station: "Shack"}}

	events := reg.Diff(keyA, shack)
	checkEvents(t, events, []wantEvent{{models.ClientAdded, 0x1A}})
	if events[0].Source != models.SourceLocal || events[0].Serial != "A" {
		t.Errorf("event key = %+v; want A/local", events[0].Key())
	}

	// the relay lagging behind does not touch the LAN view
	if events := reg.Diff(relayA, nil); len(events) != 0 {
		t.Errorf("relay diff = %+v; want none", events)
	}
	if events := reg.Diff(keyA, shack); len(events) != 0 {
		t.Errorf("repeated LAN diff = %+v; want none", events)
	}

	checkEvents(t, reg.Diff(relayA, shack), []wantEvent{{models.ClientAdded, 0x1A}})
	checkEvents(t, reg.Forget(relayA), []wantEvent{{models.ClientRemoved, 0x1A}})
	if got := reg.Clients(keyA); len(got) != 1 {
		t.Errorf("LAN clients = %+v; want Shack kept", got)
	}
}
