package smartlink_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	flexerrors "github.com/0w0mewo/flexlink-cli/internal/flex/errors"
	"github.com/0w0mewo/flexlink-cli/internal/smartlink"
	"github.com/0w0mewo/flexlink-cli/internal/smartlink/relaytest"
)

const testClientID = "flexlink-test"

func startIssuer(t *testing.T) *relaytest.Issuer {
	t.Helper()
	iss, err := relaytest.NewIssuer(testClientID)
	if err != nil {
		t.Fatalf("Failed to start issuer: %v", err)
	}
	t.Cleanup(iss.Close)
	iss.AddUser("op@example.com", "hunter2")
	return iss
}

func newAuth(t *testing.T, iss *relaytest.Issuer, creds smartlink.CredentialStore) *smartlink.Authenticator {
	t.Helper()
	auth, err := smartlink.NewAuthenticator(context.Background(),
		smartlink.AuthConfig{Issuer: iss.URL(), ClientID: testClientID}, creds)
	if err != nil {
		t.Fatalf("NewAuthenticator failed: %v", err)
	}
	return auth
}

func TestLogin(t *testing.T) {
	iss := startIssuer(t)
	creds := smartlink.NewMemoryCredentials()
	auth := newAuth(t, iss, creds)

	sess, err := auth.Login(context.Background(), "op@example.com", "hunter2")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if sess.Email != "op@example.com" || sess.IDToken == "" {
		t.Errorf("session = %+v", sess)
	}
	if cred, ok := creds.Load("OP@example.com"); !ok || cred.RefreshToken == "" {
		t.Error("refresh token not stored")
	}
}

func TestLoginWrongPassword(t *testing.T) {
	iss := startIssuer(t)
	creds := smartlink.NewMemoryCredentials()
	auth := newAuth(t, iss, creds)

	_, err := auth.Login(context.Background(), "op@example.com", "wrong")
	if !errors.Is(err, flexerrors.ErrLoginFailed) {
		t.Fatalf("err = %v; want ErrLoginFailed", err)
	}
	if _, ok := creds.Load("op@example.com"); ok {
		t.Error("credential stored for failed login")
	}
}

func TestIssuerOutageIsNotWrongPassword(t *testing.T) {
	iss := startIssuer(t)
	creds := smartlink.NewMemoryCredentials()
	if _, err := newAuth(t, iss, creds).Login(context.Background(), "op@example.com", "hunter2"); err != nil {
		t.Fatal(err)
	}

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":"temporarily_unavailable"}`))
	}))
	defer down.Close()

	auth, err := smartlink.NewAuthenticator(context.Background(),
		smartlink.AuthConfig{Issuer: iss.URL(), ClientID: testClientID, TokenURL: down.URL}, creds)
	if err != nil {
		t.Fatalf("NewAuthenticator failed: %v", err)
	}

	_, err = auth.Login(context.Background(), "op@example.com", "hunter2")
	if !errors.Is(err, flexerrors.ErrRelayUnavailable) || errors.Is(err, flexerrors.ErrLoginFailed) {
		t.Errorf("Login err = %v; want ErrRelayUnavailable", err)
	}

	_, err = auth.Resume(context.Background(), "op@example.com")
	if !errors.Is(err, flexerrors.ErrRelayUnavailable) {
		t.Errorf("Resume err = %v; want ErrRelayUnavailable", err)
	}
	if _, ok := creds.Load("op@example.com"); !ok {
		t.Error("credential dropped during an issuer outage")
	}
}

func TestResume(t *testing.T) {
	iss := startIssuer(t)
	creds := smartlink.NewMemoryCredentials()

	if _, err := newAuth(t, iss, creds).Login(context.Background(), "op@example.com", "hunter2"); err != nil {
		t.Fatal(err)
	}

	// a fresh authenticator only has the stored refresh token
	sess, err := newAuth(t, iss, creds).Resume(context.Background(), "op@example.com")
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if sess.IDToken == "" {
		t.Error("Resume returned no id token")
	}
}

func TestResumeWithoutCredential(t *testing.T) {
	iss := startIssuer(t)
	auth := newAuth(t, iss, nil)

	_, err := auth.Resume(context.Background(), "op@example.com")
	if !errors.Is(err, flexerrors.ErrLoginRequired) {
		t.Errorf("err = %v; want ErrLoginRequired", err)
	}
}

func TestResumeRevoked(t *testing.T) {
	iss := startIssuer(t)
	creds := smartlink.NewMemoryCredentials()
	if _, err := newAuth(t, iss, creds).Login(context.Background(), "op@example.com", "hunter2"); err != nil {
		t.Fatal(err)
	}
	iss.RevokeAll()

	_, err := newAuth(t, iss, creds).Resume(context.Background(), "op@example.com")
	if !errors.Is(err, flexerrors.ErrLoginRequired) {
		t.Fatalf("err = %v; want ErrLoginRequired", err)
	}
	if _, ok := creds.Load("op@example.com"); ok {
		t.Error("revoked credential kept")
	}
}

func TestFileCredentials(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "credentials.yaml")

	fc, err := smartlink.OpenFileCredentials(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := fc.Save(smartlink.Credential{Email: "op@example.com", RefreshToken: "r1"}); err != nil {
		t.Fatal(err)
	}

	reopened, err := smartlink.OpenFileCredentials(path)
	if err != nil {
		t.Fatal(err)
	}
	cred, ok := reopened.Load("op@example.com")
	if !ok || cred.RefreshToken != "r1" {
		t.Errorf("Load = %+v %v; want r1", cred, ok)
	}

	reopened.Delete("op@example.com")
	again, _ := smartlink.OpenFileCredentials(path)
	if _, ok := again.Load("op@example.com"); ok {
		t.Error("Delete not persisted")
	}
}
