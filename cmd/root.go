package cmd

import (
	"log/slog"
	"os"

	"github.com/0w0mewo/flexlink-cli/cmd/connect"
	"github.com/0w0mewo/flexlink-cli/cmd/discover"
	"github.com/0w0mewo/flexlink-cli/cmd/login"
	"github.com/0w0mewo/flexlink-cli/cmd/serve"
	"github.com/0w0mewo/flexlink-cli/cmd/simulate"
	"github.com/0w0mewo/flexlink-cli/internal/app"
	"github.com/0w0mewo/flexlink-cli/internal/prefs"
	"github.com/spf13/cobra"
)

var debug bool

var rootCmd = &cobra.Command{
	Use:   "flexlink",
	Short: "FlexRadio discovery and connection tester",
	Long:  "Discover FlexRadio transceivers on the LAN or through Smartlink and test their command API",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if debug {
			slog.SetLogLoggerLevel(slog.LevelDebug)
		}
	},
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		slog.Error("Fail to execute", "error", err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.BoolVar(&debug, "debug", false, "Enable debug logging")
	flags.StringVar(&app.Flags.PrefsPath, "prefs", prefs.DefaultPath(), "Preferences file")
	flags.StringVar(&app.Flags.CredentialsPath, "credentials", "", "Smartlink credential file (default next to the preferences)")
	flags.StringVar(&app.Flags.LocalAddr, "listen", ":4992", "UDP address for LAN discovery broadcasts")
	flags.StringVar(&app.Flags.RelayURL, "relay", "", "Smartlink relay websocket URL")
	flags.StringVar(&app.Flags.Issuer, "issuer", "", "Smartlink login issuer URL")
	flags.StringVar(&app.Flags.ClientID, "oauth-client", "", "Smartlink login client id")

	rootCmd.AddCommand(discover.Cmd)
	rootCmd.AddCommand(connect.Cmd)
	rootCmd.AddCommand(login.Cmd)
	rootCmd.AddCommand(serve.Cmd)
	rootCmd.AddCommand(simulate.Cmd)
}
