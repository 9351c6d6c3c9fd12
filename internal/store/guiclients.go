package store

import (
	"sync"

	"github.com/0w0mewo/flexlink-cli/internal/models"
)

// GuiClients remembers the last client list seen per radio and source and
// turns each new list into discrete added, completed and removed events. The
// LAN and relay views of one radio are tracked apart since they do not
// update in step.
type GuiClients struct {
	mu       sync.Mutex
	previous map[models.PacketKey][]models.GuiClientInfo
}

func NewGuiClients() *GuiClients {
	return &GuiClients{
		previous: make(map[models.PacketKey][]models.GuiClientInfo),
	}
}

// Diff compares clients with the previous list for key, by handle.
// Completed and added events follow the order of clients; removed events
// follow the order of the previous list and come last.
func (g *GuiClients) Diff(key models.PacketKey, clients []models.GuiClientInfo) []models.ClientEvent {
	g.mu.Lock()
	defer g.mu.Unlock()

	prev := g.previous[key]
	prevByHandle := make(map[uint32]models.GuiClientInfo, len(prev))
	for _, c := range prev {
		prevByHandle[c.Handle] = c
	}

	var events []models.ClientEvent
	current := make(map[uint32]struct{}, len(clients))
	for _, c := range clients {
		current[c.Handle] = struct{}{}

		old, known := prevByHandle[c.Handle]
		switch {
		case !known:
			events = append(events, models.ClientEvent{Action: models.ClientAdded, Serial: key.Serial, Source: key.Source, Client: c})
		case old.ClientID == "" && c.ClientID != "":
			events = append(events, models.ClientEvent{Action: models.ClientCompleted, Serial: key.Serial, Source: key.Source, Client: c})
		}
	}
	for _, c := range prev {
		if _, still := current[c.Handle]; !still {
			events = append(events, models.ClientEvent{Action: models.ClientRemoved, Serial: key.Serial, Source: key.Source, Client: c})
		}
	}

	if len(clients) == 0 {
		delete(g.previous, key)
	} else {
		snapshot := make([]models.GuiClientInfo, len(clients))
		copy(snapshot, clients)
		g.previous[key] = snapshot
	}

	return events
}

// Forget drops the radio and reports all of its clients as removed.
func (g *GuiClients) Forget(key models.PacketKey) []models.ClientEvent {
	return g.Diff(key, nil)
}

// Clients returns the last known client list of a radio on one source.
func (g *GuiClients) Clients(key models.PacketKey) []models.GuiClientInfo {
	g.mu.Lock()
	defer g.mu.Unlock()

	prev := g.previous[key]
	res := make([]models.GuiClientInfo, len(prev))
	copy(res, prev)
	return res
}
