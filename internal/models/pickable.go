package models

// Pickable is a user selection of a radio and, for non-gui connections,
// the station to bind to.
type Pickable struct {
	Packet  RadioPacket
	Station string
}

// DefaultValue is the persisted part of a Pickable used to skip the picker.
type DefaultValue struct {
	Serial  string `json:"serial" yaml:"serial"`
	Station string `json:"station" yaml:"station"`
	Source  Source `json:"source" yaml:"source"`
}

func NewDefaultValue(p Pickable) DefaultValue {
	return DefaultValue{
		Serial:  p.Packet.Serial,
		Station: p.Station,
		Source:  p.Packet.Source,
	}
}

func (d DefaultValue) Key() PacketKey {
	return PacketKey{Serial: d.Serial, Source: d.Source}
}
