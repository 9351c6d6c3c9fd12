// Package app wires the discovery listener, tester and their collaborators
// from the saved preferences.
package app

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/0w0mewo/flexlink-cli/internal/flex/discovery"
	"github.com/0w0mewo/flexlink-cli/internal/flex/stream"
	"github.com/0w0mewo/flexlink-cli/internal/metrics"
	"github.com/0w0mewo/flexlink-cli/internal/prefs"
	"github.com/0w0mewo/flexlink-cli/internal/smartlink"
	"github.com/0w0mewo/flexlink-cli/internal/tester"
	"github.com/google/uuid"
)

// Flags holds the options shared by every subcommand.
var Flags Config

type Config struct {
	PrefsPath string
	// CredentialsPath defaults to credentials.yaml next to the prefs file.
	CredentialsPath string
	LocalAddr       string
	RelayURL        string
	Issuer          string
	ClientID        string
	// ForceAuth sets up relay login even when smartlink is disabled.
	ForceAuth bool
	// AudioSink observes rx audio streams of the tester.
	AudioSink stream.Sink
}

type App struct {
	Prefs    *prefs.Store
	Metrics  *metrics.Metrics
	Auth     *smartlink.Authenticator // nil when the relay is not in use
	Listener *discovery.Listener
	Tester   *tester.Tester
}

func Open(ctx context.Context, cfg Config) (*App, error) {
	if cfg.PrefsPath == "" {
		cfg.PrefsPath = prefs.DefaultPath()
	}
	if cfg.CredentialsPath == "" {
		cfg.CredentialsPath = filepath.Join(filepath.Dir(cfg.PrefsPath), "credentials.yaml")
	}

	store, err := prefs.Open(cfg.PrefsPath)
	if err != nil {
		return nil, err
	}
	p := store.Get()

	a := &App{Prefs: store, Metrics: metrics.New()}

	opts := discovery.Options{
		LocalAddr: cfg.LocalAddr,
		RelayURL:  cfg.RelayURL,
		Metrics:   a.Metrics,
	}
	if id, err := uuid.Parse(p.ClientID); err == nil {
		opts.AppID = id
	}

	if p.SmartlinkEnabled || cfg.ForceAuth {
		a.Auth, err = openAuth(ctx, cfg)
		if err != nil {
			// relay stays unavailable, LAN discovery still works
			slog.Warn("Smartlink login unavailable", "error", err)
		} else {
			opts.Auth = a.Auth
		}
	}

	a.Listener = discovery.New(opts)
	a.Tester = tester.New(tester.Options{
		Discovery: a.Listener,
		Prefs:     store,
		Metrics:   a.Metrics,
		AudioSink: cfg.AudioSink,
	})

	return a, nil
}

func openAuth(ctx context.Context, cfg Config) (*smartlink.Authenticator, error) {
	creds, err := smartlink.OpenFileCredentials(cfg.CredentialsPath)
	if err != nil {
		return nil, err
	}
	return smartlink.NewAuthenticator(ctx, smartlink.AuthConfig{
		Issuer:   cfg.Issuer,
		ClientID: cfg.ClientID,
	}, creds)
}

func (a *App) Close() {
	a.Tester.Stop()
	if err := a.Listener.Close(); err != nil {
		slog.Warn("Fail to close discovery", "error", err)
	}
}
