package store

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/0w0mewo/flexlink-cli/internal/models"
)

var ErrNoSuchRadio = errors.New("No such radio")

// Radios is the live table of discovered radios keyed by serial and source.
type Radios struct {
	mu      sync.RWMutex
	packets map[models.PacketKey]models.RadioPacket
}

func NewRadios() *Radios {
	return &Radios{
		packets: make(map[models.PacketKey]models.RadioPacket),
	}
}

// Upsert stores pkt unless a newer announcement for the same key is already
// held. The returned event is PacketAdded or PacketUpdated; ok is false when
// pkt was stale and ignored.
func (r *Radios) Upsert(pkt models.RadioPacket) (models.PacketEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := pkt.Key()
	prev, exists := r.packets[key]
	if exists && pkt.LastSeen.Before(prev.LastSeen) {
		return models.PacketEvent{}, false
	}

	pkt = pkt.Clone()
	if pkt.GuiClients == nil {
		pkt.GuiClients = []models.GuiClientInfo{}
	}
	r.packets[key] = pkt

	action := models.PacketAdded
	if exists {
		action = models.PacketUpdated
	}
	return models.PacketEvent{Action: action, Packet: pkt.Clone()}, true
}

func (r *Radios) Remove(key models.PacketKey) (models.RadioPacket, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pkt, ok := r.packets[key]
	if ok {
		delete(r.packets, key)
	}
	return pkt, ok
}

// Expire removes entries of the given source not seen within window.
func (r *Radios) Expire(now time.Time, window time.Duration, source models.Source) []models.RadioPacket {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []models.RadioPacket
	for key, pkt := range r.packets {
		if key.Source != source {
			continue
		}
		if now.Sub(pkt.LastSeen) > window {
			delete(r.packets, key)
			expired = append(expired, pkt)
		}
	}
	sortPackets(expired)
	return expired
}

// RemoveSource drops every entry of one source, e.g. when its listener stops.
func (r *Radios) RemoveSource(source models.Source) []models.RadioPacket {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []models.RadioPacket
	for key, pkt := range r.packets {
		if key.Source == source {
			delete(r.packets, key)
			removed = append(removed, pkt)
		}
	}
	sortPackets(removed)
	return removed
}

func (r *Radios) Get(key models.PacketKey) (models.RadioPacket, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pkt, ok := r.packets[key]
	if !ok {
		return models.RadioPacket{}, ErrNoSuchRadio
	}
	return pkt.Clone(), nil
}

// Snapshot returns a copy of every entry ordered by serial then source.
func (r *Radios) Snapshot() []models.RadioPacket {
	r.mu.RLock()
	defer r.mu.RUnlock()

	res := make([]models.RadioPacket, 0, len(r.packets))
	for _, pkt := range r.packets {
		res = append(res, pkt.Clone())
	}
	sortPackets(res)
	return res
}

func (r *Radios) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.packets)
}

// FindDefault resolves the default for the current mode against the table.
func (r *Radios) FindDefault(guiDefault, nonGuiDefault *models.DefaultValue, isGui bool) (models.RadioPacket, bool) {
	def := nonGuiDefault
	if isGui {
		def = guiDefault
	}
	if def == nil {
		return models.RadioPacket{}, false
	}

	pkt, err := r.Get(def.Key())
	if err != nil {
		return models.RadioPacket{}, false
	}
	return pkt, true
}

func sortPackets(pkts []models.RadioPacket) {
	sort.Slice(pkts, func(i, j int) bool {
		if pkts[i].Serial != pkts[j].Serial {
			return pkts[i].Serial < pkts[j].Serial
		}
		return pkts[i].Source < pkts[j].Source
	})
}
