package wire

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/0w0mewo/flexlink-cli/internal/flex/constants"
	flexerrors "github.com/0w0mewo/flexlink-cli/internal/flex/errors"
	"github.com/0w0mewo/flexlink-cli/internal/models"
)

// DecodeDiscovery parses one LAN discovery telegram. The packet's Source is
// local and LastSeen is left for the caller to stamp.
func DecodeDiscovery(b []byte) (models.RadioPacket, error) {
	text := strings.TrimRight(string(b), "\x00\r\n\t ")
	if text == "" {
		return models.RadioPacket{}, fmt.Errorf("%w: empty datagram", flexerrors.ErrMalformed)
	}

	fields := make(map[string]string)
	for _, field := range strings.Split(text, constants.FieldSep) {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		k, v, ok := strings.Cut(field, constants.KVSep)
		if !ok || k == "" {
			return models.RadioPacket{}, fmt.Errorf("%w: bad field %q", flexerrors.ErrMalformed, field)
		}
		fields[k] = v
	}

	pkt := models.RadioPacket{
		Serial:   fields[constants.KeySerial],
		Nickname: fields[constants.KeyNickname],
		Model:    fields[constants.KeyModel],
		Version:  fields[constants.KeyVersion],
		PublicIP: fields[constants.KeyIP],
		Status:   fields[constants.KeyStatus],
		Port:     constants.CommandPort,
		Source:   models.SourceLocal,
	}
	if pkt.Serial == "" {
		return models.RadioPacket{}, fmt.Errorf("%w: missing %s", flexerrors.ErrMalformed, constants.KeySerial)
	}
	if pkt.Model == "" {
		return models.RadioPacket{}, fmt.Errorf("%w: missing %s", flexerrors.ErrMalformed, constants.KeyModel)
	}
	if v, ok := fields[constants.KeyPort]; ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			return models.RadioPacket{}, fmt.Errorf("%w: bad port %q", flexerrors.ErrMalformed, v)
		}
		pkt.Port = port
	}

	clients, err := decodeClients(fields)
	if err != nil {
		return models.RadioPacket{}, err
	}
	pkt.GuiClients = clients

	return pkt, nil
}

func decodeClients(fields map[string]string) ([]models.GuiClientInfo, error) {
	rawHandles := fields[constants.KeyGuiClientHandles]
	if rawHandles == "" {
		return []models.GuiClientInfo{}, nil
	}

	handleList := strings.Split(rawHandles, constants.ListSep)
	n := len(handleList)

	lists := make(map[string][]string)
	for _, key := range []string{
		constants.KeyGuiClientIDs,
		constants.KeyGuiClientStations,
		constants.KeyGuiClientPrograms,
		constants.KeyGuiClientPtt,
	} {
		v, ok := fields[key]
		if !ok {
			lists[key] = make([]string, n)
			continue
		}
		parts := strings.Split(v, constants.ListSep)
		if len(parts) != n {
			return nil, fmt.Errorf("%w: %s has %d entries, want %d", flexerrors.ErrMalformed, key, len(parts), n)
		}
		lists[key] = parts
	}

	seen := make(map[uint32]struct{}, n)
	clients := make([]models.GuiClientInfo, 0, n)
	for i, raw := range handleList {
		handle, err := ParseHex(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: bad handle %q", flexerrors.ErrMalformed, raw)
		}
		if _, dup := seen[handle]; dup {
			return nil, fmt.Errorf("%w: duplicate handle %s", flexerrors.ErrMalformed, models.FormatHandle(handle))
		}
		seen[handle] = struct{}{}

		clients = append(clients, models.GuiClientInfo{
			Handle:     handle,
			ClientID:   lists[constants.KeyGuiClientIDs][i],
			Station:    lists[constants.KeyGuiClientStations][i],
			Program:    lists[constants.KeyGuiClientPrograms][i],
			IsLocalPtt: parseBool(lists[constants.KeyGuiClientPtt][i]),
		})
	}

	return clients, nil
}

// EncodeDiscovery renders a packet the way the radio firmware announces it.
func EncodeDiscovery(pkt models.RadioPacket) []byte {
	var sb strings.Builder

	put := func(k, v string) {
		if sb.Len() > 0 {
			sb.WriteString(constants.FieldSep)
		}
		sb.WriteString(k)
		sb.WriteString(constants.KVSep)
		sb.WriteString(v)
	}

	put(constants.KeySerial, pkt.Serial)
	put(constants.KeyNickname, pkt.Nickname)
	put(constants.KeyModel, pkt.Model)
	put(constants.KeyVersion, pkt.Version)
	put(constants.KeyIP, pkt.PublicIP)
	if pkt.Port != 0 {
		put(constants.KeyPort, strconv.Itoa(pkt.Port))
	}
	if pkt.Status != "" {
		put(constants.KeyStatus, pkt.Status)
	}

	n := len(pkt.GuiClients)
	handles := make([]string, n)
	ids := make([]string, n)
	stations := make([]string, n)
	programs := make([]string, n)
	ptts := make([]string, n)
	for i, c := range pkt.GuiClients {
		handles[i] = models.FormatHandle(c.Handle)
		ids[i] = c.ClientID
		stations[i] = c.Station
		programs[i] = c.Program
		ptts[i] = "0"
		if c.IsLocalPtt {
			ptts[i] = "1"
		}
	}
	put(constants.KeyGuiClientHandles, strings.Join(handles, constants.ListSep))
	put(constants.KeyGuiClientIDs, strings.Join(ids, constants.ListSep))
	put(constants.KeyGuiClientStations, strings.Join(stations, constants.ListSep))
	put(constants.KeyGuiClientPrograms, strings.Join(programs, constants.ListSep))
	put(constants.KeyGuiClientPtt, strings.Join(ptts, constants.ListSep))

	return []byte(sb.String())
}

// ParseHex parses a radio hex number with or without the 0x prefix.
func ParseHex(s string) (uint32, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
