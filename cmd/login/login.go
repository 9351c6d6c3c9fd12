package login

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/0w0mewo/flexlink-cli/internal/app"
	"github.com/spf13/cobra"
)

var (
	email    string
	password string
	logout   bool
)

var Cmd = &cobra.Command{
	Use:   "login",
	Short: "Log in to Smartlink",
	Long:  "Log in to Smartlink and keep a refresh token so later runs need no password",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()

		cfg := app.Flags
		cfg.ForceAuth = true
		a, err := app.Open(ctx, cfg)
		if err != nil {
			slog.Error("Fail to load preferences", "error", err)
			return
		}
		defer a.Close()

		if a.Auth == nil {
			slog.Error("Smartlink login service unavailable")
			return
		}

		if email == "" {
			email = a.Prefs.Get().SmartlinkEmail
		}
		in := bufio.NewReader(os.Stdin)
		if email == "" {
			email = prompt(in, "Email: ")
		}

		if logout {
			a.Auth.Logout(email)
			a.Prefs.SetLoginRequired(true)
			slog.Info("Logged out", "email", email)
			return
		}

		if password == "" {
			password = prompt(in, "Password: ")
		}

		ok, err := a.Tester.Login(ctx, email, password)
		if err != nil {
			slog.Error("Smartlink login error", "email", email, "error", err)
			return
		}
		if !ok {
			fmt.Fprintf(os.Stderr, "Smartlink login failed for %s\n", email)
			return
		}
		if err := a.Prefs.SetSmartlinkEnabled(true); err != nil {
			slog.Warn("Fail to save preferences", "error", err)
		}
		fmt.Fprintf(os.Stdout, "Logged in as %s\n", email)
	},
}

func prompt(in *bufio.Reader, label string) string {
	fmt.Fprint(os.Stderr, label)
	line, _ := in.ReadString('\n')
	return strings.TrimSpace(line)
}

func init() {
	Cmd.PersistentFlags().StringVarP(&email, "email", "e", "", "Smartlink account email")
	Cmd.PersistentFlags().StringVarP(&password, "password", "p", "", "Smartlink password (prompted when empty)")
	Cmd.PersistentFlags().BoolVar(&logout, "logout", false, "forget the stored refresh token")
}
