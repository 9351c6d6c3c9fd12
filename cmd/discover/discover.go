package discover

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/0w0mewo/flexlink-cli/internal/app"
	"github.com/0w0mewo/flexlink-cli/internal/flex/discovery"
	"github.com/0w0mewo/flexlink-cli/internal/models"
	"github.com/0w0mewo/flexlink-cli/internal/publish"
	"github.com/0w0mewo/flexlink-cli/internal/utils"
	"github.com/spf13/cobra"
)

var (
	timeout   int64
	local     bool
	smartlink bool
	watch     bool
	test      string
	mqttCfg   publish.Config
)

var Cmd = &cobra.Command{
	Use:   "discover",
	Short: "List radios visible on the LAN and through Smartlink",
	Long:  "List radios visible on the LAN and through Smartlink",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()

		a, err := app.Open(ctx, app.Flags)
		if err != nil {
			slog.Error("Fail to load preferences", "error", err)
			return
		}
		defer a.Close()

		p := a.Prefs.Get()
		if !cmd.Flags().Changed("local") {
			local = p.LocalEnabled
		}
		if !cmd.Flags().Changed("smartlink") {
			smartlink = p.SmartlinkEnabled
		}

		packets := a.Listener.PacketEvents()
		clients := a.Listener.ClientEvents()
		tests := a.Listener.TestResults()
		defer tests.Close()

		if mqttCfg.Broker != "" {
			pub, err := publish.Connect(mqttCfg)
			if err != nil {
				slog.Error("Fail to connect MQTT broker", "error", err)
				return
			}
			defer pub.Close()

			mctx, cancel := context.WithCancel(ctx)
			defer cancel()
			go pub.Run(mctx, a.Listener.PacketEvents(), a.Listener.ClientEvents())
		}

		slog.Info("Start discovery", "local", local, "smartlink", smartlink)
		res, err := a.Listener.SetMode(ctx, local, smartlink, p.SmartlinkEmail)
		if err != nil {
			slog.Warn("Discovery partly unavailable", "error", err)
		}
		if res == discovery.ModeLoginRequired {
			slog.Warn("Smartlink login required, run flexlink login")
		}

		if test != "" {
			a.Listener.SendTestRequest(test)
		}

		var done <-chan time.Time
		if !watch {
			done = time.After(time.Second * time.Duration(timeout))
		}
		sig := utils.WaitForSignal()

	loop:
		for {
			select {
			case ev := <-packets.C():
				if watch {
					fmt.Fprintf(os.Stdout, "%-8s %s\n", ev.Action, formatPacket(ev.Packet))
				}
			case ev := <-clients.C():
				if watch {
					fmt.Fprintf(os.Stdout, "%-8s client %s on %s: %s\n", ev.Action, ev.Client.HandleHex(), ev.Serial, formatClient(ev.Client))
				}
			case res := <-tests.C():
				switch {
				case res.Err != nil:
					fmt.Fprintf(os.Stdout, "test %s failed: %v\n", res.Serial, res.Err)
				case res.Success:
					fmt.Fprintf(os.Stdout, "test %s passed %+v\n", res.Serial, res.Detail)
				default:
					fmt.Fprintf(os.Stdout, "test %s failed %+v\n", res.Serial, res.Detail)
				}
			case <-done:
				break loop
			case <-sig:
				break loop
			}
		}
		packets.Close()
		clients.Close()

		slog.Info("Stop discovery")
		radios := a.Listener.Packets()
		if watch {
			return
		}
		if len(radios) == 0 {
			fmt.Fprintln(os.Stderr, "No radio found")
			return
		}
		fmt.Fprintf(os.Stdout, "Found Radios: \n")
		for _, pkt := range radios {
			fmt.Fprintf(os.Stdout, "\t%s\n", formatPacket(pkt))
			for _, c := range pkt.GuiClients {
				fmt.Fprintf(os.Stdout, "\t\t%s %s\n", c.HandleHex(), formatClient(c))
			}
		}
	},
}

func formatPacket(p models.RadioPacket) string {
	return fmt.Sprintf("Serial: %s, Nickname: %s, Model: %s, Version: %s, Address: %s:%d, Source: %s, Clients: %d",
		p.Serial, p.Nickname, p.Model, p.Version, p.PublicIP, p.Port, p.Source, len(p.GuiClients))
}

func formatClient(c models.GuiClientInfo) string {
	parts := []string{"station=" + c.Station, "program=" + c.Program}
	if c.ClientID != "" {
		parts = append(parts, "id="+c.ClientID)
	}
	if c.IsLocalPtt {
		parts = append(parts, "ptt")
	}
	return strings.Join(parts, " ")
}

func init() {
	Cmd.PersistentFlags().Int64VarP(&timeout, "timeout", "t", 4, "discovery duration in seconds")
	Cmd.PersistentFlags().BoolVarP(&local, "local", "l", true, "listen for LAN broadcasts")
	Cmd.PersistentFlags().BoolVarP(&smartlink, "smartlink", "s", false, "list radios through the Smartlink relay")
	Cmd.PersistentFlags().BoolVarP(&watch, "watch", "w", false, "print events until interrupted")
	Cmd.PersistentFlags().StringVar(&test, "test", "", "ask Smartlink to test reachability of this serial")
	Cmd.PersistentFlags().StringVar(&mqttCfg.Broker, "mqtt-broker", "", "publish events to this MQTT broker (tcp://host:1883)")
	Cmd.PersistentFlags().StringVar(&mqttCfg.Username, "mqtt-user", "", "MQTT username")
	Cmd.PersistentFlags().StringVar(&mqttCfg.Password, "mqtt-password", "", "MQTT password")
	Cmd.PersistentFlags().StringVar(&mqttCfg.TopicPrefix, "mqtt-topic", publish.DefaultTopicPrefix, "MQTT topic prefix")
}
