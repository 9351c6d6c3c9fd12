// Package relaytest provides in-process stand-ins for the Smartlink relay
// and its login provider.
package relaytest

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

const keyID = "relaytest"

// Issuer is an OpenID provider supporting the password and refresh token
// grants.
type Issuer struct {
	srv      *httptest.Server
	key      *rsa.PrivateKey
	clientID string

	mu       sync.Mutex
	users    map[string]string // email -> password
	refresh  map[string]string // refresh token -> email
	tokenTTL time.Duration
}

func NewIssuer(clientID string) (*Issuer, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	iss := &Issuer{
		key:      key,
		clientID: clientID,
		users:    make(map[string]string),
		refresh:  make(map[string]string),
		tokenTTL: time.Hour,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", iss.handleDiscovery)
	mux.HandleFunc("/jwks", iss.handleJWKS)
	mux.HandleFunc("/oauth/token", iss.handleToken)
	iss.srv = httptest.NewServer(mux)

	return iss, nil
}

// URL is the issuer identifier.
func (i *Issuer) URL() string {
	return i.srv.URL
}

func (i *Issuer) Endpoint() oauth2.Endpoint {
	return oauth2.Endpoint{TokenURL: i.srv.URL + "/oauth/token", AuthStyle: oauth2.AuthStyleInParams}
}

// Verifier checks id tokens against the issuer's key without discovery.
func (i *Issuer) Verifier() *oidc.IDTokenVerifier {
	keys := &oidc.StaticKeySet{PublicKeys: []crypto.PublicKey{&i.key.PublicKey}}
	return oidc.NewVerifier(i.srv.URL, keys, &oidc.Config{ClientID: i.clientID})
}

func (i *Issuer) AddUser(email, password string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.users[email] = password
}

// RevokeAll invalidates every refresh token issued so far.
func (i *Issuer) RevokeAll() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.refresh = make(map[string]string)
}

func (i *Issuer) Close() {
	i.srv.Close()
}

// IDToken signs an id token for email.
func (i *Issuer) IDToken(email string) (string, error) {
	header, _ := json.Marshal(map[string]string{"alg": "RS256", "typ": "JWT", "kid": keyID})
	now := time.Now()
	claims, _ := json.Marshal(map[string]any{
		"iss":   i.srv.URL,
		"sub":   "auth|" + email,
		"aud":   i.clientID,
		"email": email,
		"iat":   now.Unix(),
		"exp":   now.Add(i.tokenTTL).Unix(),
	})

	input := b64(header) + "." + b64(claims)
	sum := sha256.Sum256([]byte(input))
	sig, err := rsa.SignPKCS1v15(rand.Reader, i.key, crypto.SHA256, sum[:])
	if err != nil {
		return "", err
	}
	return input + "." + b64(sig), nil
}

func (i *Issuer) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                i.srv.URL,
		"authorization_endpoint":                i.srv.URL + "/authorize",
		"token_endpoint":                        i.srv.URL + "/oauth/token",
		"jwks_uri":                              i.srv.URL + "/jwks",
		"id_token_signing_alg_values_supported": []string{"RS256"},
	})
}

func (i *Issuer) handleJWKS(w http.ResponseWriter, r *http.Request) {
	pub := i.key.PublicKey
	writeJSON(w, http.StatusOK, map[string]any{
		"keys": []map[string]string{{
			"kty": "RSA",
			"kid": keyID,
			"alg": "RS256",
			"use": "sig",
			"n":   b64(pub.N.Bytes()),
			"e":   b64(big.NewInt(int64(pub.E)).Bytes()),
		}},
	})
}

func (i *Issuer) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	if r.PostForm.Get("client_id") != i.clientID {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_client"})
		return
	}

	var email string
	i.mu.Lock()
	switch r.PostForm.Get("grant_type") {
	case "password":
		user := r.PostForm.Get("username")
		if pwd, ok := i.users[user]; ok && pwd == r.PostForm.Get("password") {
			email = user
		}
	case "refresh_token":
		email = i.refresh[r.PostForm.Get("refresh_token")]
	}
	var refresh string
	if email != "" {
		refresh = uuid.NewString()
		i.refresh[refresh] = email
	}
	i.mu.Unlock()

	if email == "" {
		writeJSON(w, http.StatusForbidden, map[string]string{
			"error":             "invalid_grant",
			"error_description": "Wrong email or password.",
		})
		return
	}

	idToken, err := i.IDToken(email)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "server_error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":  uuid.NewString(),
		"token_type":    "Bearer",
		"expires_in":    int(i.tokenTTL.Seconds()),
		"refresh_token": refresh,
		"id_token":      idToken,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Fail to encode response", "error", err)
	}
}

func b64(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}
