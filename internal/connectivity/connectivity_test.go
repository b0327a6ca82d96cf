package connectivity

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDialChecker(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	c := DialChecker{Address: addr, Timeout: time.Second}
	assert.True(t, c.IsNetworkAvailable())

	require.NoError(t, ln.Close())
	assert.False(t, c.IsNetworkAvailable())
}

func TestStaticAndFunc(t *testing.T) {
	assert.True(t, Static(true).IsNetworkAvailable())
	assert.False(t, Static(false).IsNetworkAvailable())
	assert.True(t, Func(func() bool { return true }).IsNetworkAvailable())
}

func TestProbeAddress(t *testing.T) {
	tests := map[string]string{
		"https://api.example.com/v1": "api.example.com:443",
		"http://api.example.com":     "api.example.com:80",
		"http://localhost:8080/":     "localhost:8080",
		"not a url":                  "",
		"":                           "",
	}
	for in, want := range tests {
		assert.Equal(t, want, ProbeAddress(in), in)
	}
}
