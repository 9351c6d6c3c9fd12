package smartlink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	flexerrors "github.com/0w0mewo/flexlink-cli/internal/flex/errors"
	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

const (
	DefaultIssuer   = "https://auth.smartlink.flexradio.com/"
	DefaultClientID = "flexlink-cli"
)

var defaultScopes = []string{oidc.ScopeOpenID, "offline_access", "email", "profile"}

type AuthConfig struct {
	Issuer   string
	ClientID string
	// TokenURL overrides the token endpoint advertised by the issuer.
	TokenURL string
	Scopes   []string
}

// Session is a successful relay login.
type Session struct {
	Email   string
	IDToken string
	Expiry  time.Time
}

// Authenticator logs in to the relay with the password grant and keeps the
// refresh token so later sessions need no password.
type Authenticator struct {
	oauth    oauth2.Config
	verifier *oidc.IDTokenVerifier
	creds    CredentialStore

	mu      sync.Mutex
	current *Session
}

// NewAuthenticator discovers the issuer's endpoints and signing keys.
func NewAuthenticator(ctx context.Context, cfg AuthConfig, creds CredentialStore) (*Authenticator, error) {
	if cfg.Issuer == "" {
		cfg.Issuer = DefaultIssuer
	}
	if cfg.ClientID == "" {
		cfg.ClientID = DefaultClientID
	}

	ctx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", flexerrors.ErrRelayUnavailable, err)
	}

	endpoint := provider.Endpoint()
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}
	verifier := provider.Verifier(&oidc.Config{ClientID: cfg.ClientID})

	return NewAuthenticatorWithVerifier(cfg, endpoint, verifier, creds), nil
}

// NewAuthenticatorWithVerifier skips discovery, for issuers that publish no
// discovery document.
func NewAuthenticatorWithVerifier(cfg AuthConfig, endpoint oauth2.Endpoint, verifier *oidc.IDTokenVerifier, creds CredentialStore) *Authenticator {
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = defaultScopes
	}
	if endpoint.AuthStyle == oauth2.AuthStyleAutoDetect {
		endpoint.AuthStyle = oauth2.AuthStyleInParams
	}
	if creds == nil {
		creds = NewMemoryCredentials()
	}

	return &Authenticator{
		oauth: oauth2.Config{
			ClientID: cfg.ClientID,
			Endpoint: endpoint,
			Scopes:   scopes,
		},
		verifier: verifier,
		creds:    creds,
	}
}

// Login exchanges email and password for tokens. A rejected password is
// ErrLoginFailed; other failures are ErrRelayUnavailable.
func (a *Authenticator) Login(ctx context.Context, email, password string) (Session, error) {
	tok, err := a.oauth.PasswordCredentialsToken(ctx, email, password)
	if err != nil {
		if code, ok := grantRejected(err); ok {
			return Session{}, fmt.Errorf("%w: %s", flexerrors.ErrLoginFailed, code)
		}
		return Session{}, fmt.Errorf("%w: %v", flexerrors.ErrRelayUnavailable, err)
	}

	sess, err := a.accept(ctx, email, tok)
	if err != nil {
		return Session{}, err
	}

	slog.Info("Logged in to smartlink", "email", sess.Email)
	return sess, nil
}

// Resume renews the session of email from its stored refresh token.
func (a *Authenticator) Resume(ctx context.Context, email string) (Session, error) {
	a.mu.Lock()
	if a.current != nil && strings.EqualFold(a.current.Email, email) && time.Now().Before(a.current.Expiry) {
		sess := *a.current
		a.mu.Unlock()
		return sess, nil
	}
	a.mu.Unlock()

	cred, ok := a.creds.Load(email)
	if !ok || cred.RefreshToken == "" {
		return Session{}, flexerrors.ErrLoginRequired
	}

	tok, err := a.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken}).Token()
	if err != nil {
		if code, ok := grantRejected(err); ok {
			slog.Warn("Stored smartlink credential rejected", "email", email, "error", code)
			a.creds.Delete(email)
			return Session{}, flexerrors.ErrLoginRequired
		}
		return Session{}, fmt.Errorf("%w: %v", flexerrors.ErrRelayUnavailable, err)
	}
	if tok.RefreshToken == "" {
		// not rotated
		tok.RefreshToken = cred.RefreshToken
	}

	sess, err := a.accept(ctx, email, tok)
	if err != nil {
		return Session{}, flexerrors.ErrLoginRequired
	}
	slog.Debug("Smartlink session renewed", "email", sess.Email)
	return sess, nil
}

// grantRejected tells a refused grant apart from an issuer that is down.
func grantRejected(err error) (string, bool) {
	var retrieveErr *oauth2.RetrieveError
	if !errors.As(err, &retrieveErr) {
		return "", false
	}
	if retrieveErr.ErrorCode == "invalid_grant" {
		return retrieveErr.ErrorCode, true
	}
	if resp := retrieveErr.Response; resp != nil {
		switch resp.StatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
			return retrieveErr.ErrorCode, true
		}
	}
	return "", false
}

// Logout forgets the stored credential of email.
func (a *Authenticator) Logout(email string) {
	a.mu.Lock()
	if a.current != nil && strings.EqualFold(a.current.Email, email) {
		a.current = nil
	}
	a.mu.Unlock()
	a.creds.Delete(email)
}

func (a *Authenticator) accept(ctx context.Context, email string, tok *oauth2.Token) (Session, error) {
	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok || strings.TrimSpace(rawIDToken) == "" {
		return Session{}, fmt.Errorf("%w: missing id_token", flexerrors.ErrLoginFailed)
	}

	idToken, err := a.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return Session{}, fmt.Errorf("%w: invalid id_token: %v", flexerrors.ErrLoginFailed, err)
	}

	claims := struct {
		Email string `json:"email"`
	}{}
	if err := idToken.Claims(&claims); err != nil {
		return Session{}, fmt.Errorf("%w: id_token claims: %v", flexerrors.ErrLoginFailed, err)
	}
	if claims.Email != "" {
		email = claims.Email
	}

	sess := Session{Email: email, IDToken: rawIDToken, Expiry: idToken.Expiry}
	if tok.RefreshToken != "" {
		if err := a.creds.Save(Credential{Email: email, RefreshToken: tok.RefreshToken}); err != nil {
			slog.Warn("Fail to store smartlink credential", "email", email, "error", err)
		}
	}

	a.mu.Lock()
	a.current = &sess
	a.mu.Unlock()

	return sess, nil
}
