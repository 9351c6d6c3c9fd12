package simulate

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/0w0mewo/flexlink-cli/internal/flex/constants"
	"github.com/0w0mewo/flexlink-cli/internal/flex/radiotest"
	"github.com/0w0mewo/flexlink-cli/internal/models"
	"github.com/0w0mewo/flexlink-cli/internal/utils"
	"github.com/spf13/cobra"
)

var (
	serial   string
	nickname string
	model    string
	version  string
	port     int
	announce string
	handle   uint32
)

var Cmd = &cobra.Command{
	Use:   "simulate",
	Short: "Pretend to be a radio on the LAN",
	Long:  "Announce a fake radio on the LAN and accept commands on its command port, acknowledging everything",
	Run: func(cmd *cobra.Command, args []string) {
		dst, err := net.ResolveUDPAddr("udp4", announce)
		if err != nil {
			slog.Error("Bad announce address", "error", err)
			return
		}

		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			slog.Error("Fail to listen", "error", err)
			return
		}
		radio := radiotest.Serve(ln, version, handle)
		radio.SetHandler(radio.DefaultHandler)
		defer radio.Close()

		ip := "127.0.0.1"
		if ips, err := utils.GetMyIPv4Addr(); err == nil && len(ips) > 0 {
			ip = ips[0].String()
		}
		_, boundPort := radio.Addr()

		slog.Info("Simulating radio", "serial", serial, "ip", ip, "port", boundPort, "announce", dst)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go radiotest.AnnounceEvery(ctx, dst, time.Second, func() models.RadioPacket {
			return models.RadioPacket{
				Serial:   serial,
				Nickname: nickname,
				Model:    model,
				Version:  version,
				PublicIP: ip,
				Port:     boundPort,
				Status:   "Available",
				Source:   models.SourceLocal,
			}
		})

		<-utils.WaitForSignal()
		slog.Info("Simulator stopped", "commands", len(radio.Commands()))
	},
}

func init() {
	Cmd.PersistentFlags().StringVarP(&serial, "serial", "s", "0000-0000-0000-0001", "serial to announce")
	Cmd.PersistentFlags().StringVarP(&nickname, "nickname", "n", "flexlink-sim", "nickname to announce")
	Cmd.PersistentFlags().StringVarP(&model, "model", "m", "FLEX-6600", "model to announce")
	Cmd.PersistentFlags().StringVar(&version, "version", "1.4.0.0", "protocol version sent in the greeting")
	Cmd.PersistentFlags().IntVarP(&port, "port", "p", constants.CommandPort, "command port")
	Cmd.PersistentFlags().StringVarP(&announce, "announce", "a", fmt.Sprintf("255.255.255.255:%d", constants.DiscoveryPort), "where to send discovery telegrams")
	Cmd.PersistentFlags().Uint32Var(&handle, "handle", 0x2F000001, "client handle sent in the greeting")
}
