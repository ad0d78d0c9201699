package main

import (
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/lab47/nbdcache/cli"
)

func main() {
	opts := &hclog.LoggerOptions{
		Name:  "nbdcache",
		Level: hclog.Info,
		Color: hclog.AutoColor,

		ColorHeaderAndFields: true,
	}

	if os.Getenv("NBDCACHE_DEBUG") != "" {
		opts.Level = hclog.Trace
	}

	// Structured output for log collectors.
	if os.Getenv("NBDCACHE_LOG_JSON") != "" {
		opts.JSONFormat = true
		opts.Color = hclog.ColorOff
	}

	log := hclog.New(opts)

	c, err := cli.NewCLI(log, os.Args[1:])
	if err != nil {
		log.Error("error creating CLI", "error", err)
		os.Exit(1)
	}

	code, err := c.Run()
	if err != nil {
		log.Error("error running CLI", "error", err)
		os.Exit(1)
	}

	os.Exit(code)
}
