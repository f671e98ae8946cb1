package runner

import (
	"net"
	"net/http"
	"time"
)

// PoolConfig sizes the connection pool shared by HTTP-backed agents.
type PoolConfig struct {
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
	IdleConnTimeout     time.Duration
}

// Default pool settings: few webhook hosts, many concurrent invocations.
const (
	defaultMaxIdleConns        = 20
	defaultMaxIdleConnsPerHost = 10
	defaultMaxConnsPerHost     = 20
	defaultIdleConnTimeout     = 90 * time.Second
)

// NewPooledTransport builds an http.Transport with keep-alive pooling.
// Per-call deadlines come from the invocation context, so only the dial and
// TLS handshake get fixed timeouts here.
func NewPooledTransport(dialTimeout time.Duration, pool PoolConfig) *http.Transport {
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	if pool.MaxIdleConns <= 0 {
		pool.MaxIdleConns = defaultMaxIdleConns
	}
	if pool.MaxIdleConnsPerHost <= 0 {
		pool.MaxIdleConnsPerHost = defaultMaxIdleConnsPerHost
	}
	if pool.MaxConnsPerHost <= 0 {
		pool.MaxConnsPerHost = defaultMaxConnsPerHost
	}
	if pool.IdleConnTimeout <= 0 {
		pool.IdleConnTimeout = defaultIdleConnTimeout
	}

	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConns:        pool.MaxIdleConns,
		MaxIdleConnsPerHost: pool.MaxIdleConnsPerHost,
		MaxConnsPerHost:     pool.MaxConnsPerHost,
		IdleConnTimeout:     pool.IdleConnTimeout,
		ForceAttemptHTTP2:   true,
	}
}
