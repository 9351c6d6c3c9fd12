package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/0w0mewo/flexlink-cli/internal/flex/constants"
	"github.com/0w0mewo/flexlink-cli/internal/flex/wire"
	"github.com/0w0mewo/flexlink-cli/internal/models"
)

const maxDatagram = 64 * 1024

// lanListener receives radio broadcasts on one UDP socket.
type lanListener struct {
	conn   net.PacketConn
	cancel context.CancelFunc
	done   chan struct{}
}

func startLAN(addr string, staleWindow time.Duration, l *Listener) (*lanListener, error) {
	lc := net.ListenConfig{Control: reuseControl}
	conn, err := lc.ListenPacket(context.Background(), "udp4", addr)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	lan := &lanListener{
		conn:   conn,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(lan.done)
		lan.expireLoop(ctx, staleWindow, l)
	}()
	go lan.readLoop(l)

	slog.Info("Listening for radio broadcasts", "addr", conn.LocalAddr().String())

	return lan, nil
}

// Addr is the bound socket address.
func (lan *lanListener) Addr() net.Addr {
	return lan.conn.LocalAddr()
}

func (lan *lanListener) readLoop(l *Listener) {
	buf := make([]byte, maxDatagram)
	for {
		n, remote, err := lan.conn.ReadFrom(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				slog.Warn("Discovery socket read error", "error", err)
			}
			return
		}

		pkt, err := wire.DecodeDiscovery(buf[:n])
		if err != nil {
			l.opts.Metrics.PacketMalformed()
			slog.Debug("Dropping discovery packet", "from", remote.String(), "error", err)
			continue
		}
		l.opts.Metrics.PacketReceived(models.SourceLocal)

		pkt.Source = models.SourceLocal
		pkt.LastSeen = time.Now()
		if pkt.PublicIP == "" {
			if udpAddr, ok := remote.(*net.UDPAddr); ok {
				pkt.PublicIP = udpAddr.IP.String()
			}
		}
		if pkt.Port == 0 {
			pkt.Port = constants.CommandPort
		}

		l.withLAN(lan, func() { l.apply(pkt) })
	}
}

func (lan *lanListener) expireLoop(ctx context.Context, window time.Duration, l *Listener) {
	tick := window / 3
	if tick <= 0 {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.withLAN(lan, func() { l.expire(now, window) })
		}
	}
}

func (lan *lanListener) stop() error {
	lan.cancel()
	err := lan.conn.Close()
	<-lan.done
	if err != nil {
		return fmt.Errorf("close discovery socket: %w", err)
	}
	return nil
}
