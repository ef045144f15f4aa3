package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/chatd/internal/model"
)

// ErrUnauthenticated covers missing, malformed, expired or unknown tokens.
var ErrUnauthenticated = errors.New("unauthenticated")

// BearerSubprotocol is the Sec-WebSocket-Protocol marker that precedes a token
// for browser clients that cannot set headers.
const BearerSubprotocol = "bearer"

// UserLookup resolves a token subject. store.Store satisfies it.
type UserLookup interface {
	GetUser(ctx context.Context, id string) (*model.User, error)
}

// Gate turns a raw credential into a user identity.
type Gate struct {
	verifier Verifier
	users    UserLookup
	log      zerolog.Logger
}

// NewGate creates a Gate.
func NewGate(verifier Verifier, users UserLookup, log zerolog.Logger) *Gate {
	return &Gate{verifier: verifier, users: users, log: log}
}

// Authenticate verifies rawToken and loads its subject. Every failure is
// reported as ErrUnauthenticated.
func (g *Gate) Authenticate(ctx context.Context, rawToken string) (model.User, error) {
	token := strings.TrimSpace(rawToken)
	if token == "" {
		return model.User{}, fmt.Errorf("%w: missing token", ErrUnauthenticated)
	}

	subject, err := g.verifier.Verify(token)
	if err != nil {
		return model.User{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}

	user, err := g.users.GetUser(ctx, subject)
	if err != nil {
		if !errors.Is(err, model.ErrNotFound) {
			g.log.Warn().Err(err).Str("subject", subject).Msg("user lookup failed during authentication")
		}
		return model.User{}, fmt.Errorf("%w: subject %q: %v", ErrUnauthenticated, subject, err)
	}
	return *user, nil
}

// TokenFromRequest extracts a bearer credential from the token query
// parameter, the Authorization header or a "bearer, <token>" subprotocol pair.
// The second return value is the subprotocol to echo on upgrade, if any.
func TokenFromRequest(r *http.Request) (string, string) {
	if token := r.URL.Query().Get("token"); token != "" {
		return token, ""
	}
	if h := r.Header.Get("Authorization"); h != "" {
		if scheme, token, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token), ""
		}
	}
	protocols := websocketProtocols(r)
	for i := 0; i+1 < len(protocols); i++ {
		if strings.EqualFold(protocols[i], BearerSubprotocol) {
			return protocols[i+1], BearerSubprotocol
		}
	}
	return "", ""
}

func websocketProtocols(r *http.Request) []string {
	var out []string
	for _, h := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, p := range strings.Split(h, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
