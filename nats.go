package nbdcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/hashicorp/go-hclog"
	"github.com/nats-io/nats.go"
)

// NATSConnector publishes a proxy's statistics and accepts control commands
// over NATS.
type NATSConnector struct {
	log  hclog.Logger
	p    *Proxy
	c    *Controller
	id   string
	conn *nats.Conn

	controlSub *nats.Subscription
}

func NewNATSConnector(log hclog.Logger, p *Proxy, c *Controller, url, id string) (*NATSConnector, error) {
	conn, err := nats.Connect(url, nats.Name("nbdcache-"+id))
	if err != nil {
		return nil, err
	}

	nc := &NATSConnector{
		log:  log.Named("nats"),
		p:    p,
		c:    c,
		id:   id,
		conn: conn,
	}

	return nc, nil
}

func (n *NATSConnector) Start(ctx context.Context) error {
	if err := n.startControllerInput(ctx); err != nil {
		return err
	}

	go n.startPeriodic(ctx, 1*time.Minute)

	return nil
}

func (n *NATSConnector) Close() {
	n.conn.Close()
}

func (n *NATSConnector) startPeriodic(ctx context.Context, dur time.Duration) {
	ticker := time.NewTicker(dur)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := n.publishStats()
			if err != nil {
				n.log.Error("error publishing periodic stats", "error", err)
			}
		}
	}
}

func (n *NATSConnector) subj(which string) string {
	return fmt.Sprintf("nbdcache.proxy.%s.%s", n.id, which)
}

func (n *NATSConnector) publishStats() error {
	st := n.p.Status()

	data, err := json.Marshal(&StatsMessage{
		Id:           n.id,
		PublishTime:  time.Now(),
		CachedBlocks: st.CachedBlocks,
		Blocks:       st.Blocks,
		Sessions:     st.Sessions,
		Stats:        st.Stats,
	})

	if err != nil {
		return err
	}

	return n.conn.Publish(n.subj("stats"), data)
}

type StatsMessage struct {
	Id           string        `json:"id" cbor:"10,keyasint"`
	PublishTime  time.Time     `json:"published_at" cbor:"1,keyasint"`
	CachedBlocks uint64        `json:"cached_blocks" cbor:"2,keyasint"`
	Blocks       uint64        `json:"blocks" cbor:"3,keyasint"`
	Sessions     int           `json:"sessions" cbor:"4,keyasint"`
	Stats        StatsSnapshot `json:"stats" cbor:"5,keyasint"`
}

type ControlMessage struct {
	Kind string `json:"kind"`
}

// ControlReply is the cbor encoded response to a control message.
type ControlReply struct {
	Status Status `cbor:"1,keyasint"`
	Error  string `cbor:"2,keyasint,omitempty"`
}

func (n *NATSConnector) startControllerInput(ctx context.Context) error {
	sub, err := n.conn.Subscribe(n.subj("control"), func(msg *nats.Msg) {
		var cm ControlMessage

		err := json.Unmarshal(msg.Data, &cm)
		if err != nil {
			n.log.Error("error decoding control message", "error", err)
			return
		}

		n.log.Debug("received control message via NATS", "kind", cm.Kind)

		var reply ControlReply

		kind, err := ParseEventKind(cm.Kind)
		if err == nil {
			var res EventResult

			res, err = n.c.Request(ctx, kind)
			reply.Status = res.Status

			if err == nil {
				err = res.Error
			}
		}

		if err != nil {
			n.log.Error("control message failed", "kind", cm.Kind, "error", err)
			reply.Error = err.Error()
		}

		if msg.Reply == "" {
			return
		}

		data, err := cbor.Marshal(reply)
		if err != nil {
			n.log.Error("error encoding control reply", "error", err)
			return
		}

		if err := msg.Respond(data); err != nil {
			n.log.Error("error sending control reply", "error", err)
		}
	})

	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
	}()

	n.controlSub = sub

	return nil
}
