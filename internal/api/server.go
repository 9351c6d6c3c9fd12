// Package api serves discovery and tester state over HTTP.
package api

import (
	"errors"
	"log/slog"
	"time"

	flexerrors "github.com/0w0mewo/flexlink-cli/internal/flex/errors"
	"github.com/0w0mewo/flexlink-cli/internal/metrics"
	"github.com/0w0mewo/flexlink-cli/internal/models"
	"github.com/0w0mewo/flexlink-cli/internal/tester"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	fiberutils "github.com/gofiber/fiber/v2/utils"
)

const (
	RadiosPath   = "/api/v1/radios"
	RadioPath    = "/api/v1/radios/:source/:serial"
	TestPath     = "/api/v1/radios/:source/:serial/test"
	ClientsPath  = "/api/v1/clients/:source/:serial"
	StatusPath   = "/api/v1/status"
	MessagesPath = "/api/v1/messages"
	CommandPath  = "/api/v1/command"
	StopPath     = "/api/v1/stop"
	MetricsPath  = "/metrics"

	commandTimeout = 5 * time.Second
)

// Discovery is the read side of the discovery listener.
type Discovery interface {
	Packets() []models.RadioPacket
	Packet(key models.PacketKey) (models.RadioPacket, error)
	Clients(key models.PacketKey) []models.GuiClientInfo
	SendTestRequest(serial string)
}

type Server struct {
	app     *fiber.App
	disc    Discovery
	tester  *tester.Tester
	metrics *metrics.Metrics
}

type streamResp struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
}

type statusResp struct {
	State   string       `json:"state"`
	IsGui   bool         `json:"isGui"`
	Serial  string       `json:"serial,omitempty"`
	Source  string       `json:"source,omitempty"`
	Station string       `json:"station,omitempty"`
	Handle  string       `json:"handle,omitempty"`
	Version string       `json:"version,omitempty"`
	Bound   string       `json:"boundClientId,omitempty"`
	Streams []streamResp `json:"streams"`
	Pending int          `json:"pending"`
}

type commandReq struct {
	Command string `json:"command"`
}

type commandResp struct {
	Sequence uint32 `json:"sequence"`
	Code     string `json:"code"`
	Payload  string `json:"payload"`
}

type errorResp struct {
	Error string `json:"error"`
}

func New(disc Discovery, t *tester.Tester, m *metrics.Metrics) *Server {
	s := &Server{
		app: fiber.New(fiber.Config{
			DisableStartupMessage: true,
		}),
		disc:    disc,
		tester:  t,
		metrics: m,
	}

	s.app.Get(RadiosPath, s.radiosHandler)
	s.app.Get(RadioPath, s.radioHandler)
	s.app.Post(TestPath, s.testHandler)
	s.app.Get(ClientsPath, s.clientsHandler)
	s.app.Get(StatusPath, s.statusHandler)
	s.app.Get(MessagesPath, s.messagesHandler)
	s.app.Post(CommandPath, s.commandHandler)
	s.app.Post(StopPath, s.stopHandler)
	if m != nil {
		s.app.Get(MetricsPath, adaptor.HTTPHandler(m.Handler()))
	}

	return s
}

// App exposes the underlying fiber app, mostly for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) Listen(addr string) error {
	slog.Info("Serving status API", "addr", addr)
	return s.app.Listen(addr)
}

func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

func (s *Server) radiosHandler(c *fiber.Ctx) error {
	return c.JSON(s.disc.Packets())
}

func (s *Server) radioHandler(c *fiber.Ctx) error {
	key := models.PacketKey{
		Serial: fiberutils.CopyString(c.Params("serial")),
		Source: models.Source(fiberutils.CopyString(c.Params("source"))),
	}
	if !key.Source.Valid() {
		return c.Status(400).JSON(errorResp{Error: "unknown source"})
	}

	pkt, err := s.disc.Packet(key)
	if errors.Is(err, flexerrors.ErrNoSuchRadio) {
		return c.Status(404).JSON(errorResp{Error: err.Error()})
	}
	if err != nil {
		return c.Status(500).JSON(errorResp{Error: err.Error()})
	}
	return c.JSON(&pkt)
}

func (s *Server) testHandler(c *fiber.Ctx) error {
	if models.Source(c.Params("source")) != models.SourceSmartlink {
		return c.Status(400).JSON(errorResp{Error: "only smartlink radios can be tested"})
	}
	s.disc.SendTestRequest(fiberutils.CopyString(c.Params("serial")))
	return c.SendStatus(202)
}

func (s *Server) clientsHandler(c *fiber.Ctx) error {
	key := models.PacketKey{
		Serial: fiberutils.CopyString(c.Params("serial")),
		Source: models.Source(fiberutils.CopyString(c.Params("source"))),
	}
	if !key.Source.Valid() {
		return c.Status(400).JSON(errorResp{Error: "unknown source"})
	}

	clients := s.disc.Clients(key)
	if clients == nil {
		clients = []models.GuiClientInfo{}
	}
	return c.JSON(clients)
}

func (s *Server) statusHandler(c *fiber.Ctx) error {
	st := s.tester.Status()
	resp := statusResp{
		State:   st.State.String(),
		IsGui:   st.IsGui,
		Serial:  st.Serial,
		Source:  string(st.Source),
		Station: st.Station,
		Version: st.Version,
		Bound:   st.Bound,
		Streams: make([]streamResp, 0, len(st.Streams)),
		Pending: st.Pending,
	}
	if st.Handle != 0 {
		resp.Handle = models.FormatHandle(st.Handle)
	}
	for _, h := range st.Streams {
		resp.Streams = append(resp.Streams, streamResp{ID: models.FormatHandle(h.ID), Kind: string(h.Kind)})
	}
	return c.JSON(&resp)
}

func (s *Server) messagesHandler(c *fiber.Ctx) error {
	c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
	return s.tester.Log().Export(c)
}

func (s *Server) commandHandler(c *fiber.Ctx) error {
	var req commandReq
	if err := c.BodyParser(&req); err != nil || req.Command == "" {
		return c.Status(400).JSON(errorResp{Error: "missing command"})
	}

	seq, ch, err := s.tester.SendCommand(fiberutils.CopyString(req.Command))
	if errors.Is(err, flexerrors.ErrNotConnected) {
		return c.Status(409).JSON(errorResp{Error: err.Error()})
	}
	if err != nil {
		return c.Status(500).JSON(errorResp{Error: err.Error()})
	}

	select {
	case res := <-ch:
		if res.Err != nil {
			return c.Status(503).JSON(errorResp{Error: res.Err.Error()})
		}
		return c.JSON(commandResp{
			Sequence: seq,
			Code:     models.FormatHandle(res.Line.ErrorCode),
			Payload:  res.Line.Payload,
		})
	case <-time.After(commandTimeout):
		return c.Status(504).JSON(errorResp{Error: "no reply from radio"})
	}
}

func (s *Server) stopHandler(c *fiber.Ctx) error {
	s.tester.Stop()
	return c.SendStatus(200)
}
