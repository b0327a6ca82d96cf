// Package connectivity answers "is the network reachable right now".
package connectivity

import (
	"net"
	"net/url"
	"time"
)

// Checker reports network reachability.
type Checker interface {
	IsNetworkAvailable() bool
}

// Static always returns the same answer.
type Static bool

// IsNetworkAvailable implements Checker.
func (s Static) IsNetworkAvailable() bool {
	return bool(s)
}

// Func adapts a function to Checker.
type Func func() bool

// IsNetworkAvailable implements Checker.
func (f Func) IsNetworkAvailable() bool {
	return f()
}

// DialChecker considers the network available when a TCP connection to
// Address can be opened within Timeout.
type DialChecker struct {
	Address string
	Timeout time.Duration
}

// DefaultTimeout bounds a probe when DialChecker.Timeout is zero.
const DefaultTimeout = 2 * time.Second

// IsNetworkAvailable implements Checker.
func (d DialChecker) IsNetworkAvailable() bool {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	conn, err := net.DialTimeout("tcp", d.Address, timeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// ProbeAddress derives a host:port to probe from a base URL. It returns ""
// when the URL has no host.
func ProbeAddress(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return ""
	}
	if u.Port() != "" {
		return u.Host
	}
	port := "80"
	if u.Scheme == "https" {
		port = "443"
	}
	return net.JoinHostPort(u.Hostname(), port)
}
