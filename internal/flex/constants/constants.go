package constants

import "time"

const (
	DiscoveryPort = 4992
	CommandPort   = 4992
	// relay sessions are TLS wrapped
	WanTLSPort = 4994

	AnnounceInterval = time.Second
	// roughly three missed announcements
	StaleWindow = 3 * AnnounceInterval

	ConnectTimeout = 5 * time.Second

	// oldest command protocol revision (V line) this client speaks
	MinProtocolVersion = "1.0.0.0"

	NoError = "0"
)

// Line prefixes of the command channel.
const (
	PrefixCommand = 'C'
	PrefixReply   = 'R'
	PrefixStatus  = 'S'
	PrefixMessage = 'M'
	PrefixVersion = 'V'
	PrefixHandle  = 'H'
)

// Discovery telegram keys.
const (
	KeySerial            = "serial"
	KeyNickname          = "nickname"
	KeyModel             = "model"
	KeyVersion           = "version"
	KeyIP                = "ip"
	KeyPort              = "port"
	KeyStatus            = "status"
	KeyGuiClientHandles  = "gui_client_handles"
	KeyGuiClientIDs      = "gui_client_ids"
	KeyGuiClientStations = "gui_client_stations"
	KeyGuiClientPrograms = "gui_client_programs"
	KeyGuiClientPtt      = "gui_client_ptt"
)

const (
	FieldSep = ";"
	KVSep    = "="
	ListSep  = "|"
)
