// Package connectivity answers the pre-flight "can we reach the sync service" check.
package connectivity

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/kimhsiao/mealsync/internal/logging"
)

// DefaultTimeout bounds a single probe.
const DefaultTimeout = 3 * time.Second

// Probe reports the device online when a TCP connection to address succeeds.
type Probe struct {
	address string
	timeout time.Duration
	dial    func(ctx context.Context, network, address string) (net.Conn, error)
}

// NewProbe creates a Probe for a host:port address.
func NewProbe(address string, timeout time.Duration) *Probe {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	d := &net.Dialer{}
	return &Probe{address: address, timeout: timeout, dial: d.DialContext}
}

// Address returns the probed host:port.
func (p *Probe) Address() string {
	return p.address
}

// IsOnline dials the address once.
func (p *Probe) IsOnline(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	conn, err := p.dial(ctx, "tcp", p.address)
	if err != nil {
		logging.Debug("Connectivity probe failed", map[string]interface{}{
			"address": p.address,
			"error":   err.Error(),
		})
		return false
	}
	_ = conn.Close()
	return true
}

// AddressFromURL derives a host:port from a service URL, using the scheme's
// default port when none is given.
func AddressFromURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("url %q has no host", raw)
	}
	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "https":
			port = "443"
		case "http":
			port = "80"
		default:
			return "", fmt.Errorf("url %q has no port and unknown scheme %q", raw, u.Scheme)
		}
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}

// Static is a checker whose answer is set by the host, for platforms that
// push connectivity changes instead of being polled.
type Static struct {
	online atomic.Bool
}

// NewStatic creates a Static checker with an initial value.
func NewStatic(online bool) *Static {
	s := &Static{}
	s.online.Store(online)
	return s
}

// Set updates the answer.
func (s *Static) Set(online bool) {
	s.online.Store(online)
}

// IsOnline returns the last value set.
func (s *Static) IsOnline(context.Context) bool {
	return s.online.Load()
}
