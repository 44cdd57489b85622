package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/livekit/protocol/auth"
)

var (
	errMissingToken = errors.New("missing access token")
	errUnknownKey   = errors.New("unknown api key")
)

// Authenticator verifies access tokens signed with the configured key pair.
type Authenticator struct {
	apiKey    string
	apiSecret string
}

// NewAuthenticator returns nil when either half of the key pair is empty,
// which disables authentication.
func NewAuthenticator(apiKey, apiSecret string) *Authenticator {
	if apiKey == "" || apiSecret == "" {
		return nil
	}
	return &Authenticator{apiKey: apiKey, apiSecret: apiSecret}
}

// Verify checks a raw JWT and returns the caller identity.
func (a *Authenticator) Verify(raw string) (string, error) {
	if raw == "" {
		return "", errMissingToken
	}

	verifier, err := auth.ParseAPIToken(raw)
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}
	if verifier.APIKey() != a.apiKey {
		return "", errUnknownKey
	}

	grants, err := verifier.Verify(a.apiSecret)
	if err != nil {
		return "", fmt.Errorf("token verification failed: %w", err)
	}
	return grants.Identity, nil
}

// Authenticate extracts the token from the request, either the token query
// parameter or a bearer Authorization header.
func (a *Authenticator) Authenticate(r *http.Request) (string, error) {
	return a.Verify(tokenFromRequest(r))
}

// NewToken mints an access token for identity.
func (a *Authenticator) NewToken(identity string, validFor time.Duration) (string, error) {
	return IssueToken(a.apiKey, a.apiSecret, identity, validFor)
}

// IssueToken mints an access token for identity signed with the key pair.
func IssueToken(apiKey, apiSecret, identity string, validFor time.Duration) (string, error) {
	at := auth.NewAccessToken(apiKey, apiSecret)
	at.SetIdentity(identity).
		SetValidFor(validFor)
	return at.ToJWT()
}

func tokenFromRequest(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
