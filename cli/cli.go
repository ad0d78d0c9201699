package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/fxamacker/cbor/v2"
	"github.com/hashicorp/go-hclog"
	"github.com/lab47/cleo"
	"github.com/lab47/nbdcache"
	"github.com/lab47/nbdcache/pkg/nbd"
	"github.com/mitchellh/cli"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sys/unix"
)

type CLI struct {
	log hclog.Logger

	lc *cli.CLI
}

type Global struct {
	Config string `short:"c" long:"config" description:"proxy or target configuration"`
	Debug  bool   `short:"D" long:"debug" description:"enable debug mode"`
}

// Remote selects a running proxy through its NATS control subject.
type Remote struct {
	NATS string `long:"nats" description:"NATS url of the control plane"`
	ID   string `long:"id" description:"id of the proxy to control"`
}

func NewCLI(log hclog.Logger, args []string) (*CLI, error) {
	c := &CLI{
		log: log,
		lc:  cli.NewCLI("nbdcache", "alpha"),
	}

	c.lc.Args = args

	err := c.setupCommands()
	if err != nil {
		return nil, err
	}

	return c, nil
}

func (c *CLI) Run() (int, error) {
	return c.lc.Run()
}

func (c *CLI) setupCommands() error {
	c.lc.Commands = map[string]cli.CommandFactory{
		"proxy": func() (cli.Command, error) {
			return cleo.Infer("proxy", "serve an upstream NBD export through a local cache", c.proxy), nil
		},
		"serve": func() (cli.Command, error) {
			return cleo.Infer("serve", "serve a file, qcow2 image or S3 object over NBD", c.serve), nil
		},
		"query": func() (cli.Command, error) {
			return cleo.Infer("query", "show the status of a running proxy", c.query), nil
		},
		"cache-all": func() (cli.Command, error) {
			return cleo.Infer("cache-all", "start caching every block in a running proxy", c.cacheAll), nil
		},
		"reconnect": func() (cli.Command, error) {
			return cleo.Infer("reconnect", "reconnect a running proxy to its upstream", c.reconnect), nil
		},
		"inspect": func() (cli.Command, error) {
			return cleo.Infer("inspect", "show the state of a cache directory", c.inspect), nil
		},
	}

	return nil
}

func (c *CLI) loadConfig(g Global) *nbdcache.Config {
	if g.Debug {
		c.log.SetLevel(hclog.Trace)
	}

	if g.Config == "" {
		c.log.Error("a configuration file is required (-c)")
		os.Exit(1)
	}

	cfg, err := nbdcache.LoadConfig(g.Config)
	if err != nil {
		c.log.Error("error loading configuration", "error", err)
		os.Exit(1)
	}

	return cfg
}

func serveMetrics(log hclog.Logger, addr string) {
	if addr == "" {
		return
	}

	http.Handle("/metrics", promhttp.Handler())

	// Will also include pprof via the init() in net/http/pprof
	go func() {
		err := http.ListenAndServe(addr, nil)
		if err != nil {
			log.Error("error serving metrics", "error", err, "addr", addr)
		}
	}()
}

func (c *CLI) proxy(ctx context.Context, opts struct {
	Global
	CacheAll bool `long:"cache-all" description:"cache every block in the background"`
}) error {
	cfg := c.loadConfig(opts.Global)
	log := c.log

	if cfg.Upstream == nil {
		log.Error("configuration has no upstream block")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, unix.SIGTERM)
	defer cancel()

	dir, err := filepath.Abs(cfg.CacheDir)
	if err != nil {
		log.Error("error resolving cache directory", "error", err)
		os.Exit(1)
	}

	p, err := nbdcache.NewProxy(ctx, log, dir,
		append(cfg.ProxyOptions(), nbdcache.WithRegisterer(prometheus.DefaultRegisterer))...,
	)
	if err != nil {
		log.Error("error starting proxy", "error", err)
		os.Exit(1)
	}

	defer func() {
		log.Info("closing proxy")

		if err := p.Close(); err != nil {
			log.Error("error closing proxy", "error", err)
		}
	}()

	ctl := nbdcache.NewController(log, p)
	go ctl.Run(ctx)

	if cfg.NATS != nil {
		id := cfg.NATS.ID
		if id == "" {
			id = "nbdcache"
		}

		nc, err := nbdcache.NewNATSConnector(log, p, ctl, cfg.NATS.URL, id)
		if err != nil {
			log.Error("error connecting to NATS", "error", err, "url", cfg.NATS.URL)
			os.Exit(1)
		}

		defer nc.Close()

		if err := nc.Start(ctx); err != nil {
			log.Error("error starting NATS control", "error", err)
			os.Exit(1)
		}
	}

	// SIGHUP reconnects the upstream, like the reconnect command.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, unix.SIGHUP)
	defer signal.Stop(hup)

	go func() {
		for range hup {
			log.Info("reconnecting upstream by signal request")

			if _, err := ctl.Request(ctx, nbdcache.ReconnectUpstream); err != nil {
				log.Error("error reconnecting upstream", "error", err)
			}
		}
	}()

	if opts.CacheAll {
		if err := p.StartCacheAll(); err != nil {
			log.Error("error starting cache-all", "error", err)
		}
	}

	serveMetrics(log, cfg.Metrics)

	l, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		log.Error("error listening on addr", "error", err, "addr", cfg.Listen)
		os.Exit(1)
	}

	return p.Serve(ctx, l)
}

func (c *CLI) openTarget(ctx context.Context, cfg *nbdcache.Config) (nbd.Backend, func(), error) {
	t := cfg.Target

	switch {
	case t.S3 != nil:
		sc, err := nbdcache.NewS3Client(ctx, t.S3)
		if err != nil {
			return nil, nil, err
		}

		b, err := nbdcache.NewS3Backend(ctx, c.log, sc, t.S3.Bucket, t.S3.Key)
		if err != nil {
			return nil, nil, err
		}

		return b, func() {}, nil
	case t.QCOW2:
		b, err := nbdcache.OpenImageBackend(c.log, t.FilePath)
		if err != nil {
			return nil, nil, err
		}

		return b, func() { b.Close() }, nil
	default:
		b, err := nbdcache.OpenFileBackend(c.log, t.FilePath, cfg.ReadOnly)
		if err != nil {
			return nil, nil, err
		}

		return b, func() { b.Close() }, nil
	}
}

func (c *CLI) serve(ctx context.Context, opts struct {
	Global
}) error {
	cfg := c.loadConfig(opts.Global)
	log := c.log

	if cfg.Target == nil {
		log.Error("configuration has no target block")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, unix.SIGTERM)
	defer cancel()

	backend, closer, err := c.openTarget(ctx, cfg)
	if err != nil {
		log.Error("error opening target", "error", err)
		os.Exit(1)
	}

	defer closer()

	// Only a writable file can take writes.
	readOnly := cfg.ReadOnly || cfg.Target.QCOW2 || cfg.Target.S3 != nil

	exports := []*nbd.Export{
		{
			Name:        cfg.Target.Export,
			Description: cfg.Target.Source(),
			Backend:     nbdcache.MeteredBackend(backend),
		},
	}

	nbdOpts := &nbd.Options{
		ReadOnly:    readOnly,
		Negotiation: cfg.ParsedNegotiation(),
	}

	serveMetrics(log, cfg.Metrics)

	l, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		log.Error("error listening on addr", "error", err, "addr", cfg.Listen)
		os.Exit(1)
	}

	go func() {
		<-ctx.Done()
		log.Info("shutting down")
		l.Close()
	}()

	log.Info("listening for connections", "addr", cfg.Listen, "negotiation", nbdOpts.Negotiation, "read-only", readOnly)

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return err
		}

		log.Info("connection to nbd server", "remote", conn.RemoteAddr().String())

		go func() {
			defer conn.Close()

			nbdcache.TargetConnections.Inc()
			defer nbdcache.TargetConnections.Dec()

			err := nbd.Serve(log.Named("target"), conn, exports, nbdOpts)
			if err != nil {
				log.Error("error handling nbd client", "error", err, "remote", conn.RemoteAddr().String())
			}
		}()
	}
}

func (c *CLI) remote(g Global, r Remote) (string, string) {
	url, id := r.NATS, r.ID

	if g.Config != "" {
		cfg := c.loadConfig(g)

		if cfg.NATS != nil {
			if url == "" {
				url = cfg.NATS.URL
			}

			if id == "" {
				id = cfg.NATS.ID
			}
		}
	}

	if url == "" {
		url = nats.DefaultURL
	}

	if id == "" {
		id = "nbdcache"
	}

	return url, id
}

func (c *CLI) control(g Global, r Remote, kind nbdcache.EventKind) (*nbdcache.ControlReply, error) {
	url, id := c.remote(g, r)

	conn, err := nats.Connect(url)
	if err != nil {
		return nil, errors.Wrapf(err, "connecting to %s", url)
	}

	defer conn.Close()

	data, err := json.Marshal(nbdcache.ControlMessage{Kind: kind.String()})
	if err != nil {
		return nil, err
	}

	subj := fmt.Sprintf("nbdcache.proxy.%s.control", id)

	msg, err := conn.Request(subj, data, time.Minute)
	if err != nil {
		return nil, errors.Wrapf(err, "requesting %s on %s", kind, subj)
	}

	var reply nbdcache.ControlReply

	if err := cbor.Unmarshal(msg.Data, &reply); err != nil {
		return nil, errors.Wrapf(err, "decoding control reply")
	}

	if reply.Error != "" {
		return &reply, errors.New(reply.Error)
	}

	return &reply, nil
}

const (
	kilo = 1000
	mega = kilo * 1000
	giga = mega * 1000
	tera = giga * 1000
	peta = tera * 1000
)

func niceSize(sz int64) string {
	cases := []struct {
		f float64
		s string
	}{
		{peta, "PB"},
		{tera, "TB"},
		{giga, "GB"},
		{mega, "MB"},
		{kilo, "KB"},
	}

	x := float64(sz)

	for _, c := range cases {
		sub := x / c.f
		if sub >= 1.0 {
			return fmt.Sprintf("%.3f%s", sub, c.s)
		}
	}

	return fmt.Sprintf("%db", sz)
}

func printStatus(st nbdcache.Status) {
	bold := color.New(color.Bold)

	tr := tabwriter.NewWriter(os.Stdout, 2, 2, 1, ' ', 0)
	defer tr.Flush()

	fmt.Fprintf(tr, "%s\t%s\n", bold.Sprint("proxy"), st.ID)
	fmt.Fprintf(tr, "%s\t%s\n", bold.Sprint("cache id"), st.CacheID)
	fmt.Fprintf(tr, "%s\t%s\n", bold.Sprint("forwarded to"), st.Upstream)
	fmt.Fprintf(tr, "%s\t%d (%s)\n", bold.Sprint("disk size"), st.DiskSize, niceSize(int64(st.DiskSize)))
	fmt.Fprintf(tr, "%s\t%s\n", bold.Sprint("cache file"), st.CachePath)
	fmt.Fprintf(tr, "%s\t%s\n", bold.Sprint("bitmap file"), st.BitmapPath)

	pct := color.YellowString("%.1f%%", st.Percent())
	if st.CachedBlocks == st.Blocks {
		pct = color.GreenString("%.1f%%", st.Percent())
	}

	fmt.Fprintf(tr, "%s\t%d / %d (%s)\n", bold.Sprint("cached blocks"), st.CachedBlocks, st.Blocks, pct)

	if st.Generation > 0 || st.Sessions > 0 || st.CacheAll {
		fmt.Fprintf(tr, "%s\t%d\n", bold.Sprint("reconnects"), st.Generation)
		fmt.Fprintf(tr, "%s\t%d\n", bold.Sprint("sessions"), st.Sessions)
		fmt.Fprintf(tr, "%s\t%t\n", bold.Sprint("cache-all running"), st.CacheAll)
		fmt.Fprintf(tr, "%s\t%d hits, %d misses, %d retries\n", bold.Sprint("stats"),
			st.Stats.Hits, st.Stats.Misses, st.Stats.Retries)
	}
}

func (c *CLI) query(ctx context.Context, opts struct {
	Global
	Remote
}) error {
	reply, err := c.control(opts.Global, opts.Remote, nbdcache.QueryStatus)
	if err != nil {
		c.log.Error("error querying proxy", "error", err)
		os.Exit(1)
	}

	printStatus(reply.Status)

	return nil
}

func (c *CLI) cacheAll(ctx context.Context, opts struct {
	Global
	Remote
}) error {
	reply, err := c.control(opts.Global, opts.Remote, nbdcache.StartCacheAll)
	if err != nil {
		c.log.Error("error starting cache-all", "error", err)
		os.Exit(1)
	}

	fmt.Printf("cache-all started, %d / %d blocks cached\n", reply.Status.CachedBlocks, reply.Status.Blocks)

	return nil
}

func (c *CLI) reconnect(ctx context.Context, opts struct {
	Global
	Remote
}) error {
	reply, err := c.control(opts.Global, opts.Remote, nbdcache.ReconnectUpstream)
	if err != nil {
		c.log.Error("error reconnecting proxy", "error", err)
		os.Exit(1)
	}

	fmt.Printf("reconnected to %s (connection %d)\n", reply.Status.Upstream, reply.Status.Generation)

	return nil
}

func (c *CLI) inspect(ctx context.Context, opts struct {
	Global
	Path string `short:"p" long:"path" description:"cache directory" required:"true"`
}) error {
	if opts.Debug {
		c.log.SetLevel(hclog.Trace)
	}

	st, err := nbdcache.InspectCache(opts.Path)
	if err != nil {
		c.log.Error("error inspecting cache", "error", err, "path", opts.Path)
		os.Exit(1)
	}

	printStatus(st)

	return nil
}
