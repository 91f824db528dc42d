// Package proxypool implements component C: a round-robin pool of SOCKS5
// outbound transports for upstream calls, with a graceful no-proxy
// fallback when none are configured.
//
// Grounded on the SOCKS5 dialer construction found in the CLIProxyAPI
// example (internal/api handlers.go), generalized from a single
// configured proxy to a comma-separated round-robin pool and from
// per-request parsing to a boot-time-built transport set.
package proxypool

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	"golang.org/x/net/proxy"

	"github.com/laiskygw/geminigw/common/logger"
)

// Pool hands out *http.Transport round-robin across configured SOCKS5
// proxies. When no proxies are configured, Next returns nil and callers
// fall back to the default direct transport.
type Pool struct {
	entries []*entry
	cursor  atomic.Uint64
}

type entry struct {
	raw       string
	transport *http.Transport
}

// New parses a comma-separated list of socks5://[user:pass@]host:port
// entries. Entries that fail to parse are logged and skipped at boot
// rather than aborting startup (§4.C "boot-time reporting of failed
// entries without aborting startup").
func New(rawList string) *Pool {
	p := &Pool{}

	for _, raw := range strings.Split(rawList, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}

		t, err := buildTransport(raw)
		if err != nil {
			logger.Logger.Warn("skipping unusable proxy entry",
				zap.String("proxy", raw), zap.Error(err))
			continue
		}

		p.entries = append(p.entries, &entry{raw: raw, transport: t})
	}

	if len(p.entries) == 0 {
		logger.Logger.Info("no usable proxies configured; upstream calls will dial directly")
	} else {
		logger.Logger.Info("proxy pool ready", zap.Int("count", len(p.entries)))
	}

	return p
}

func buildTransport(raw string) (*http.Transport, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "parse proxy url %q", raw)
	}
	if u.Scheme != "socks5" {
		return nil, errors.Errorf("unsupported proxy scheme %q (only socks5 is supported)", u.Scheme)
	}

	var auth *proxy.Auth
	if u.User != nil {
		password, _ := u.User.Password()
		auth = &proxy.Auth{User: u.User.Username(), Password: password}
	}

	dialer, err := proxy.SOCKS5("tcp", u.Host, auth, proxy.Direct)
	if err != nil {
		return nil, errors.Wrapf(err, "create SOCKS5 dialer for %q", u.Host)
	}

	return &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.Dial(network, addr)
		},
	}, nil
}

// Next returns the next transport in round-robin order, or nil when the
// pool has no configured proxies (callers should treat nil as "use the
// default transport").
func (p *Pool) Next() *http.Transport {
	if len(p.entries) == 0 {
		return nil
	}
	idx := p.cursor.Add(1) % uint64(len(p.entries))
	return p.entries[idx].transport
}

// Size reports how many proxies are in rotation.
func (p *Pool) Size() int {
	return len(p.entries)
}
