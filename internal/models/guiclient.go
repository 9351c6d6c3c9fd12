package models

import "fmt"

// GuiClientInfo is one operator session bound to a radio.
type GuiClientInfo struct {
	Handle     uint32 `json:"handle"`
	ClientID   string `json:"clientId,omitempty"` // empty until the radio knows it
	Station    string `json:"station"`
	Program    string `json:"program"`
	IsLocalPtt bool   `json:"isLocalPtt"`
}

func (c GuiClientInfo) HandleHex() string {
	return FormatHandle(c.Handle)
}

// FormatHandle renders a connection handle the way the radio prints it.
func FormatHandle(h uint32) string {
	return fmt.Sprintf("0x%08X", h)
}

type ClientAction int

const (
	ClientAdded ClientAction = iota
	ClientCompleted
	ClientRemoved
)

func (a ClientAction) String() string {
	switch a {
	case ClientAdded:
		return "added"
	case ClientCompleted:
		return "completed"
	case ClientRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

type ClientEvent struct {
	Action ClientAction
	Serial string
	// Source is the discovery path whose client list changed.
	Source Source
	Client GuiClientInfo
}

func (e ClientEvent) Key() PacketKey {
	return PacketKey{Serial: e.Serial, Source: e.Source}
}
