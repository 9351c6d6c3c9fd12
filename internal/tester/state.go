package tester

import "github.com/0w0mewo/flexlink-cli/internal/models"

type State int

const (
	Idle State = iota
	Picking
	AwaitingClientDecision
	Connecting
	Connected
	Disconnecting
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Picking:
		return "picking"
	case AwaitingClientDecision:
		return "awaiting-client-decision"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// Decision is the outcome of arbitrating a selection. When Direct is false
// the caller must choose one of Handles to take over, or cancel.
type Decision struct {
	Direct   bool
	Stations []string
	Handles  []uint32
}

func (d Decision) NeedsClientChoice() bool {
	return !d.Direct
}

// Decide checks whether connecting to sel would displace another gui client.
// The radio allows a single primary gui client, so a gui connection to a
// radio that already has some must first pick which one yields.
func Decide(isGui bool, sel models.Pickable) Decision {
	if !isGui || len(sel.Packet.GuiClients) == 0 {
		return Decision{Direct: true}
	}
	return Decision{
		Stations: sel.Packet.Stations(),
		Handles:  sel.Packet.Handles(),
	}
}
