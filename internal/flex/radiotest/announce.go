package radiotest

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/0w0mewo/flexlink-cli/internal/flex/wire"
	"github.com/0w0mewo/flexlink-cli/internal/models"
)

// Announce sends one discovery telegram for pkt to addr.
func Announce(addr *net.UDPAddr, pkt models.RadioPacket) error {
	conn, err := net.DialUDP("udp4", nil, addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = conn.Write(wire.EncodeDiscovery(pkt))
	return err
}

// AnnounceEvery keeps announcing the packet returned by next until ctx ends.
func AnnounceEvery(ctx context.Context, addr *net.UDPAddr, interval time.Duration, next func() models.RadioPacket) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := Announce(addr, next()); err != nil {
			slog.Warn("Fail to send announcement", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
