package serve

import (
	"context"
	"log/slog"

	"github.com/0w0mewo/flexlink-cli/internal/api"
	"github.com/0w0mewo/flexlink-cli/internal/app"
	"github.com/0w0mewo/flexlink-cli/internal/flex/discovery"
	"github.com/0w0mewo/flexlink-cli/internal/publish"
	"github.com/0w0mewo/flexlink-cli/internal/utils"
	"github.com/spf13/cobra"
)

var (
	addr    string
	mqttCfg publish.Config
)

var Cmd = &cobra.Command{
	Use:   "serve",
	Short: "Run discovery and expose radios, tester state and metrics over HTTP",
	Long:  "Run discovery and expose radios, tester state and metrics over HTTP",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		a, err := app.Open(ctx, app.Flags)
		if err != nil {
			slog.Error("Fail to load preferences", "error", err)
			return
		}
		defer a.Close()

		res, err := a.Tester.ApplyMode(ctx)
		if err != nil {
			slog.Warn("Discovery partly unavailable", "error", err)
		}
		if res == discovery.ModeLoginRequired {
			slog.Warn("Smartlink login required, run flexlink login")
		}

		go a.Tester.WatchClients(ctx, a.Listener.ClientEvents())

		if mqttCfg.Broker != "" {
			pub, err := publish.Connect(mqttCfg)
			if err != nil {
				slog.Error("Fail to connect MQTT broker", "error", err)
				return
			}
			defer pub.Close()
			go pub.Run(ctx, a.Listener.PacketEvents(), a.Listener.ClientEvents())
		}

		server := api.New(a.Listener, a.Tester, a.Metrics)
		go func() {
			if err := server.Listen(addr); err != nil {
				slog.Error("Fail to start server", "error", err)
			}
		}()

		<-utils.WaitForSignal()

		if err := server.Shutdown(); err != nil {
			slog.Warn("Fail to stop server", "error", err)
		}
	},
}

func init() {
	Cmd.PersistentFlags().StringVarP(&addr, "addr", "a", "127.0.0.1:8080", "HTTP listen address")
	Cmd.PersistentFlags().StringVar(&mqttCfg.Broker, "mqtt-broker", "", "publish events to this MQTT broker (tcp://host:1883)")
	Cmd.PersistentFlags().StringVar(&mqttCfg.Username, "mqtt-user", "", "MQTT username")
	Cmd.PersistentFlags().StringVar(&mqttCfg.Password, "mqtt-password", "", "MQTT password")
	Cmd.PersistentFlags().StringVar(&mqttCfg.TopicPrefix, "mqtt-topic", publish.DefaultTopicPrefix, "MQTT topic prefix")
}
