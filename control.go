package nbdcache

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

type EventKind int

const (
	QueryStatus EventKind = iota
	StartCacheAll
	ReconnectUpstream
	SyncCache
)

func (k EventKind) String() string {
	switch k {
	case QueryStatus:
		return "query"
	case StartCacheAll:
		return "cache-all"
	case ReconnectUpstream:
		return "reconnect"
	case SyncCache:
		return "sync"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// ParseEventKind maps the name of a control command to its kind.
func ParseEventKind(s string) (EventKind, error) {
	for _, k := range []EventKind{QueryStatus, StartCacheAll, ReconnectUpstream, SyncCache} {
		if k.String() == s {
			return k, nil
		}
	}

	return 0, errors.Errorf("unknown control command: %s", s)
}

type Event struct {
	Kind EventKind

	// Done, if set, must have room for the result.
	Done chan EventResult
}

type EventResult struct {
	Status Status
	Error  error
}

// Controller serializes control commands against a proxy and periodically
// syncs the cache and reports progress.
type Controller struct {
	log    hclog.Logger
	p      *Proxy
	events chan Event

	interval time.Duration
}

func NewController(log hclog.Logger, p *Proxy) *Controller {
	return &Controller{
		log:      log.Named("controller"),
		p:        p,
		events:   make(chan Event, 20),
		interval: time.Minute,
	}
}

// Request sends an event and waits for its result.
func (c *Controller) Request(ctx context.Context, kind EventKind) (EventResult, error) {
	ev := Event{
		Kind: kind,
		Done: make(chan EventResult, 1),
	}

	select {
	case <-ctx.Done():
		return EventResult{}, ctx.Err()
	case c.events <- ev:
	}

	select {
	case <-ctx.Done():
		return EventResult{}, ctx.Err()
	case res := <-ev.Done:
		return res, nil
	}
}

func (c *Controller) Run(ctx context.Context) {
	tick := time.NewTicker(c.interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			c.log.Debug("controller loop exitting, context done")
			return
		case ev, ok := <-c.events:
			if !ok {
				c.log.Debug("controller loop exitting, closed")
				return
			}

			err := c.handleEvent(ctx, ev)
			if err != nil {
				c.log.Error("error handling event", "error", err, "event-kind", ev.Kind)
			}
		case <-tick.C:
			err := c.handleTick()
			if err != nil {
				c.log.Error("error handling tick", "error", err)
			}
		}
	}
}

func (c *Controller) handleTick() error {
	st := c.p.Status()

	c.log.Info("cache progress",
		"cached", st.CachedBlocks,
		"blocks", st.Blocks,
		"percent", fmt.Sprintf("%.1f", st.Percent()),
		"sessions", st.Sessions,
		"cache-all", st.CacheAll,
	)

	return c.p.Sync()
}

func (c *Controller) handleEvent(ctx context.Context, ev Event) error {
	var err error

	switch ev.Kind {
	case QueryStatus:
	case StartCacheAll:
		err = c.p.StartCacheAll()
	case ReconnectUpstream:
		err = c.p.Reconnect(ctx)
	case SyncCache:
		err = c.p.Sync()
	default:
		err = errors.Errorf("unknown kind: %d", ev.Kind)
	}

	return c.returnResult(ev, err)
}

func (c *Controller) returnResult(ev Event, err error) error {
	if ev.Done != nil {
		ev.Done <- EventResult{
			Status: c.p.Status(),
			Error:  err,
		}
	}

	return err
}
