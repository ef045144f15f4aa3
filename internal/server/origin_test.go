package server

import (
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestOriginPolicy(t *testing.T) {
	policy := newOriginPolicy([]string{" HTTP://LocalHost:8080 ", "https://app.example", "", "bogus"}, zerolog.Nop())

	tests := []struct {
		origin string
		want   bool
	}{
		{"http://localhost:8080", true},
		{"http://LOCALHOST:8080", true},
		{"https://app.example", true},
		{"http://app.example", false},
		{"http://localhost:9090", false},
		{"", false},
		{"not-a-url", false},
		{"http://", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, policy.isAllowed(tt.origin), "origin %q", tt.origin)
	}
	assert.ElementsMatch(t, []string{"http://localhost:8080", "https://app.example"}, policy.corsOrigins())
}

func TestOriginPolicyWildcard(t *testing.T) {
	policy := newOriginPolicy([]string{"*"}, zerolog.Nop())

	assert.True(t, policy.isAllowed("https://anything.example"))
	assert.False(t, policy.isAllowed(""), "an origin header is still required")
	assert.Equal(t, []string{"*"}, policy.corsOrigins())
}

func TestOriginPolicyEmptyDeniesAll(t *testing.T) {
	policy := newOriginPolicy(nil, zerolog.Nop())

	req := httptest.NewRequest("GET", "/ws/chat/x", nil)
	req.Header.Set("Origin", "http://localhost:8080")
	assert.False(t, policy.checkOrigin(req))
}
