package nbdcache

import (
	"time"

	"github.com/lab47/nbdcache/pkg/nbd"
	"github.com/prometheus/client_golang/prometheus"
)

type opts struct {
	id          string
	dialer      Dialer
	upstream    string
	exportName  string
	negotiation nbd.Negotiation
	readOnly    bool
	registerer  prometheus.Registerer
	resetStale  bool

	minBackoff time.Duration
	maxBackoff time.Duration
}

type Option func(o *opts)

// WithID names the proxy in metrics, logs and control subjects.
func WithID(id string) Option {
	return func(o *opts) {
		o.id = id
	}
}

// WithUpstream connects to the NBD server at addr. An empty export selects
// the oldstyle handshake.
func WithUpstream(addr, export string) Option {
	return func(o *opts) {
		o.upstream = addr
		o.dialer = TCPDialer(addr, export)
	}
}

// WithDialer overrides how upstream connections are made.
func WithDialer(name string, d Dialer) Option {
	return func(o *opts) {
		o.upstream = name
		o.dialer = d
	}
}

// WithExportName sets the name clients must ask for during a newstyle
// handshake.
func WithExportName(name string) Option {
	return func(o *opts) {
		o.exportName = name
	}
}

func WithNegotiation(n nbd.Negotiation) Option {
	return func(o *opts) {
		o.negotiation = n
	}
}

func ReadOnly(ok bool) Option {
	return func(o *opts) {
		o.readOnly = ok
	}
}

func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *opts) {
		o.registerer = reg
	}
}

// ResetStaleCache discards a cache built for a different disk rather than
// refusing to start.
func ResetStaleCache(ok bool) Option {
	return func(o *opts) {
		o.resetStale = ok
	}
}

// WithBackoff bounds the delay between upstream reconnect attempts.
func WithBackoff(min, max time.Duration) Option {
	return func(o *opts) {
		o.minBackoff = min
		o.maxBackoff = max
	}
}
