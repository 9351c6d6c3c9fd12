package discovery

import (
	"log/slog"
	"time"

	"github.com/0w0mewo/flexlink-cli/internal/models"
	"github.com/0w0mewo/flexlink-cli/internal/smartlink"
)

// TestOutcome is the answer to SendTestRequest.
type TestOutcome struct {
	Serial  string
	Success bool
	Detail  smartlink.TestResult
	Err     error
}

// relayListener turns relay pushes into table updates. Once it is no
// longer the listener's active relay its updates are ignored.
type relayListener struct {
	client *smartlink.Client
	email  string
	done   chan struct{}
}

func newRelayListener(client *smartlink.Client, email string) *relayListener {
	return &relayListener{
		client: client,
		email:  email,
		done:   make(chan struct{}),
	}
}

func (rl *relayListener) run(l *Listener) {
	defer close(rl.done)

	rl.sync(rl.client.Radios(), l)

	for msg := range rl.client.Messages() {
		switch msg.Type {
		case smartlink.TypeRadioList:
			if msg.Radios != nil {
				rl.sync(*msg.Radios, l)
			}
		case smartlink.TypeRadioAdded, smartlink.TypeRadioUpdated:
			if msg.Radio == nil {
				continue
			}
			if pkt, ok := rl.decode(*msg.Radio, l); ok {
				l.withRelay(rl, func() { l.apply(pkt) })
			}
		case smartlink.TypeRadioRemoved:
			key := models.PacketKey{Serial: msg.Serial, Source: models.SourceSmartlink}
			l.withRelay(rl, func() {
				if pkt, ok := l.radios.Remove(key); ok {
					l.removed([]models.RadioPacket{pkt})
				}
			})
		case smartlink.TypeTestResult:
			if msg.Result == nil {
				continue
			}
			slog.Info("Smartlink test result", "serial", msg.Result.Serial, "success", msg.Result.Success())
			l.tests.publish(TestOutcome{Serial: msg.Result.Serial, Success: msg.Result.Success(), Detail: *msg.Result})
		case smartlink.TypeError:
			slog.Warn("Smartlink relay error", "code", msg.Code, "message", msg.Message)
		}
	}

	l.relayLost(rl)
}

func (rl *relayListener) decode(radio smartlink.RelayRadio, l *Listener) (models.RadioPacket, bool) {
	pkt, err := radio.ToPacket(time.Now())
	if err != nil {
		l.opts.Metrics.PacketMalformed()
		slog.Debug("Dropping relay radio", "error", err)
		return models.RadioPacket{}, false
	}
	l.opts.Metrics.PacketReceived(models.SourceSmartlink)
	return pkt, true
}

// sync replaces the relay entries with a full radio list.
func (rl *relayListener) sync(radios []smartlink.RelayRadio, l *Listener) {
	pkts := make([]models.RadioPacket, 0, len(radios))
	present := make(map[string]struct{}, len(radios))
	for _, radio := range radios {
		if pkt, ok := rl.decode(radio, l); ok {
			pkts = append(pkts, pkt)
			present[pkt.Serial] = struct{}{}
		}
	}

	l.withRelay(rl, func() {
		for _, pkt := range pkts {
			l.apply(pkt)
		}

		var gone []models.RadioPacket
		for _, pkt := range l.radios.Snapshot() {
			if pkt.Source != models.SourceSmartlink {
				continue
			}
			if _, ok := present[pkt.Serial]; ok {
				continue
			}
			if removed, ok := l.radios.Remove(pkt.Key()); ok {
				gone = append(gone, removed)
			}
		}
		l.removed(gone)
	})
}

// stop closes the relay channel. It does not wait for run to finish.
func (rl *relayListener) stop() {
	rl.client.Close()
}
