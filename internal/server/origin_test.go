package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

// checkOrigins reports, for each origin, whether a handshake carrying it is
// accepted under server.allowed_origins = configured.
func checkOrigins(configured []string, origins ...string) map[string]bool {
	up := newUpgrader(configured)
	got := make(map[string]bool, len(origins))
	for _, o := range origins {
		r := httptest.NewRequest(http.MethodGet, "/ws/orchestrate", nil)
		if o != "" {
			r.Header.Set("Origin", o)
		}
		got[o] = up.CheckOrigin(r)
	}
	return got
}

func TestUpgraderUnconfiguredAcceptsDevFrontends(t *testing.T) {
	got := checkOrigins(nil,
		"http://localhost:3000", "http://localhost:5173",
		"http://localhost:8080", "https://dashboard.example.com", "")

	assert.Equal(t, map[string]bool{
		"http://localhost:3000":         true,
		"http://localhost:5173":         true,
		"http://localhost:8080":         false,
		"https://dashboard.example.com": false,
		"":                              true, // CLI and service clients send no Origin
	}, got)
}

func TestUpgraderAllowListIsNormalized(t *testing.T) {
	configured := []string{"https://Dashboard.Example.com/", " https://ops.example.com "}
	got := checkOrigins(configured,
		"https://dashboard.example.com", "https://DASHBOARD.example.com",
		"https://ops.example.com", "https://dashboard.example.com.evil.io",
		"http://dashboard.example.com")

	assert.True(t, got["https://dashboard.example.com"], "trailing slash and case in config are ignored")
	assert.True(t, got["https://DASHBOARD.example.com"])
	assert.True(t, got["https://ops.example.com"], "surrounding spaces in config are ignored")
	assert.False(t, got["https://dashboard.example.com.evil.io"], "matching is exact, not by prefix")
	assert.False(t, got["http://dashboard.example.com"], "scheme is part of the origin")
}

func TestUpgraderAllowListReplacesDevFrontends(t *testing.T) {
	got := checkOrigins([]string{"https://dashboard.example.com"}, "http://localhost:3000")
	assert.False(t, got["http://localhost:3000"])
}

func TestUpgraderWildcardInList(t *testing.T) {
	got := checkOrigins([]string{"https://dashboard.example.com", "*"}, "https://anything.test")
	assert.True(t, got["https://anything.test"])
}
