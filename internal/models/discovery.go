package models

import (
	"fmt"
	"time"
)

// Source tells which discovery path produced a packet.
type Source string

const (
	SourceLocal     Source = "local"
	SourceSmartlink Source = "smartlink"
)

func (s Source) Valid() bool {
	return s == SourceLocal || s == SourceSmartlink
}

// PacketKey identifies a live discovery entry. The same radio may be visible
// on both paths at once and is then tracked as two entries.
type PacketKey struct {
	Serial string
	Source Source
}

func (k PacketKey) String() string {
	return fmt.Sprintf("%s/%s", k.Serial, k.Source)
}

// RadioPacket is one announcement of a radio, either broadcast on the LAN or
// forwarded by the Smartlink relay.
type RadioPacket struct {
	Serial       string          `json:"serial"`
	Nickname     string          `json:"nickname"`
	Model        string          `json:"model"`
	Version      string          `json:"version"`
	PublicIP     string          `json:"publicIp"`
	Port         int             `json:"port"`
	TLSPort      int             `json:"tlsPort,omitempty"` // relay path only
	Status       string          `json:"status,omitempty"`
	Source       Source          `json:"source"`
	GuiClients   []GuiClientInfo `json:"guiClients"`
	LastSeen     time.Time       `json:"lastSeen"`
	WanConnected bool            `json:"wanConnected,omitempty"`
}

func (p RadioPacket) Key() PacketKey {
	return PacketKey{Serial: p.Serial, Source: p.Source}
}

// Stations returns the station names of the bound gui clients, in packet order.
func (p RadioPacket) Stations() []string {
	res := make([]string, 0, len(p.GuiClients))
	for _, c := range p.GuiClients {
		res = append(res, c.Station)
	}
	return res
}

// Handles returns the handles of the bound gui clients, in packet order.
func (p RadioPacket) Handles() []uint32 {
	res := make([]uint32, 0, len(p.GuiClients))
	for _, c := range p.GuiClients {
		res = append(res, c.Handle)
	}
	return res
}

// Clone returns a copy that shares no slice memory with p.
func (p RadioPacket) Clone() RadioPacket {
	if p.GuiClients != nil {
		clients := make([]GuiClientInfo, len(p.GuiClients))
		copy(clients, p.GuiClients)
		p.GuiClients = clients
	}
	return p
}

// PacketAction is the kind of change reported for a discovery entry.
type PacketAction int

const (
	PacketAdded PacketAction = iota
	PacketUpdated
	PacketRemoved
)

func (a PacketAction) String() string {
	switch a {
	case PacketAdded:
		return "added"
	case PacketUpdated:
		return "updated"
	case PacketRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

type PacketEvent struct {
	Action PacketAction
	Packet RadioPacket
}
