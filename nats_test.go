package nbdcache

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

func TestNATS(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("nats url not specified")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	log := testLogger()

	t.Run("publishes stats", func(t *testing.T) {
		r := require.New(t)

		p := newTestProxy(t, t.TempDir(), &pipeUpstream{backend: randomDisk(t, 16*BlockSize)})
		defer p.Close()

		nc, err := NewNATSConnector(log, p, NewController(log, p), url, "test")
		r.NoError(err)
		defer nc.Close()

		conn, err := nats.Connect(url)
		r.NoError(err)

		defer conn.Close()

		done := make(chan StatsMessage, 1)

		b := time.Now()
		_, err = conn.Subscribe("nbdcache.proxy.test.stats", func(msg *nats.Msg) {
			var stats StatsMessage

			if json.Unmarshal(msg.Data, &stats) == nil {
				done <- stats
			}
		})
		r.NoError(err)
		r.NoError(conn.Flush())

		r.NoError(nc.publishStats())

		select {
		case <-ctx.Done():
			r.NoError(ctx.Err())
		case stats := <-done:
			r.Equal("test", stats.Id)
			r.Equal(uint64(16), stats.Blocks)
			r.InDelta(0, stats.PublishTime.Sub(b).Seconds(), 1)
		}
	})

	t.Run("answers control requests", func(t *testing.T) {
		r := require.New(t)

		p := newTestProxy(t, t.TempDir(), &pipeUpstream{backend: randomDisk(t, 16*BlockSize)})
		defer p.Close()

		c := NewController(log, p)
		go c.Run(ctx)

		nc, err := NewNATSConnector(log, p, c, url, "ctl")
		r.NoError(err)
		defer nc.Close()

		r.NoError(nc.Start(ctx))

		conn, err := nats.Connect(url)
		r.NoError(err)

		defer conn.Close()

		data, err := json.Marshal(ControlMessage{Kind: "query"})
		r.NoError(err)

		msg, err := conn.Request("nbdcache.proxy.ctl.control", data, 5*time.Second)
		r.NoError(err)

		var reply ControlReply
		r.NoError(cbor.Unmarshal(msg.Data, &reply))
		r.Empty(reply.Error)
		r.Equal(uint64(16*BlockSize), reply.Status.DiskSize)

		data, err = json.Marshal(ControlMessage{Kind: "bogus"})
		r.NoError(err)

		msg, err = conn.Request("nbdcache.proxy.ctl.control", data, 5*time.Second)
		r.NoError(err)

		r.NoError(cbor.Unmarshal(msg.Data, &reply))
		r.NotEmpty(reply.Error)
	})
}
