package wire

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/0w0mewo/flexlink-cli/internal/flex/constants"
)

type LineKind int

const (
	LineUnknown LineKind = iota
	LineReply
	LineStatus
	LineMessage
)

func (k LineKind) String() string {
	switch k {
	case LineReply:
		return "reply"
	case LineStatus:
		return "status"
	case LineMessage:
		return "message"
	default:
		return "unknown"
	}
}

// Line is one classified inbound line of the command channel.
type Line struct {
	Kind      LineKind
	Sequence  uint32 // replies only
	ErrorCode uint32 // replies only
	Payload   string
	Raw       string
}

// Routine reports a successful reply without data. Consumers may choose to
// hide these.
func (l Line) Routine() bool {
	return l.Kind == LineReply && l.ErrorCode == 0 && l.Payload == ""
}

// EncodeCommand frames a command as C<seq>|<text>\n.
func EncodeCommand(seq uint32, text string) []byte {
	return []byte(fmt.Sprintf("%c%d|%s\n", constants.PrefixCommand, seq, text))
}

// DecodeLine classifies one inbound line by its first byte.
func DecodeLine(b []byte) Line {
	raw := strings.TrimRight(string(b), "\r\n")
	line := Line{Kind: LineUnknown, Raw: raw}
	if raw == "" {
		return line
	}

	body := raw[1:]
	switch raw[0] {
	case constants.PrefixReply:
		parts := strings.SplitN(body, "|", 3)
		if len(parts) < 2 {
			return line
		}
		seq, err := strconv.ParseUint(parts[0], 10, 32)
		if err != nil {
			return line
		}
		code, err := ParseHex(parts[1])
		if err != nil {
			return line
		}
		line.Kind = LineReply
		line.Sequence = uint32(seq)
		line.ErrorCode = code
		if len(parts) == 3 {
			line.Payload = parts[2]
		}
	case constants.PrefixStatus:
		line.Kind = LineStatus
		line.Payload = body
	case constants.PrefixMessage:
		line.Kind = LineMessage
		line.Payload = body
	}

	return line
}

// SplitStatus separates the originating client handle from a status body.
func SplitStatus(payload string) (handle string, body string) {
	h, b, ok := strings.Cut(payload, "|")
	if !ok {
		return "", payload
	}
	return h, b
}

// ParseVersion extracts the protocol version from a V line.
func ParseVersion(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if len(raw) < 2 || raw[0] != constants.PrefixVersion {
		return "", false
	}
	return raw[1:], true
}

// ParseHandle extracts the connection handle from an H line.
func ParseHandle(raw string) (uint32, bool) {
	raw = strings.TrimSpace(raw)
	if len(raw) < 2 || raw[0] != constants.PrefixHandle {
		return 0, false
	}
	h, err := ParseHex(raw[1:])
	if err != nil {
		return 0, false
	}
	return h, true
}

// Radio side encoders, used by the simulator and tests.

func EncodeReply(seq uint32, code uint32, payload string) []byte {
	return []byte(fmt.Sprintf("%c%d|%X|%s\n", constants.PrefixReply, seq, code, payload))
}

func EncodeStatus(payload string) []byte {
	return []byte(fmt.Sprintf("%c%s\n", constants.PrefixStatus, payload))
}

func EncodeMessage(payload string) []byte {
	return []byte(fmt.Sprintf("%c%s\n", constants.PrefixMessage, payload))
}

func EncodeVersion(v string) []byte {
	return []byte(fmt.Sprintf("%c%s\n", constants.PrefixVersion, v))
}

func EncodeHandle(h uint32) []byte {
	return []byte(fmt.Sprintf("%c%08X\n", constants.PrefixHandle, h))
}

// ParseCommand splits an outbound command line into sequence and text.
func ParseCommand(b []byte) (uint32, string, bool) {
	raw := strings.TrimRight(string(b), "\r\n")
	if len(raw) < 2 || raw[0] != constants.PrefixCommand {
		return 0, "", false
	}
	seqStr, text, ok := strings.Cut(raw[1:], "|")
	if !ok {
		return 0, "", false
	}
	seq, err := strconv.ParseUint(seqStr, 10, 32)
	if err != nil {
		return 0, "", false
	}
	return uint32(seq), text, true
}
