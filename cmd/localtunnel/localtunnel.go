// Copyright (C) 2017 Michał Matczuk
// Use of this source code is governed by an AGPL-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	tunnel "github.com/hons82/go-localtunnel"
)

const version = "1.0.0"

func main() {
	opts := parseArgs()

	if opts.version {
		fmt.Println(version)
		return
	}

	logger, err := newLogger(opts.logTo, opts.logLevel)
	if err != nil {
		fatal("failed to init logger: %s", err)
	}

	config := &Config{}
	if opts.config != "" {
		config, err = loadConfiguration(opts.config)
		if err != nil {
			fatal("configuration error: %s", err)
		}
	}
	config.applyOptions(opts)

	done := make(chan struct{})

	config.Logger = logger
	config.Backoff = config.negotiationBackoff()
	config.OnURL = func(url string) {
		fmt.Printf("your url is: %s\n", url)
	}
	config.OnRequest = func(e tunnel.RequestEvent) {
		logger.Log(
			"level", 1,
			"action", "request",
			"method", e.Method,
			"path", e.Path,
		)
	}
	config.OnIPChange = func(e tunnel.IPChangeEvent) {
		logger.Log(
			"level", 1,
			"action", "ip change",
			"oldIp", e.OldIP,
			"newIp", e.NewIP,
			"success", e.Success,
		)
	}
	config.OnError = func(err error) {
		logger.Log(
			"level", 0,
			"msg", "tunnel error",
			"err", err,
		)
	}
	config.OnClose = func() {
		close(done)
	}

	client, err := tunnel.NewClient(&config.ClientConfig)
	if err != nil {
		fatal("configuration error: %s", err)
	}

	if config.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(config.MetricsAddr, mux); err != nil {
				logger.Log(
					"level", 0,
					"msg", "metrics listener failed",
					"err", err,
				)
			}
		}()
	}

	if err := client.Start(); err != nil {
		fatal("%s", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		s := <-sig
		logger.Log(
			"level", 1,
			"action", "signal",
			"signal", s.String(),
		)
		client.Close()
	}()

	<-done
}

func fatal(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, format, a...)
	fmt.Fprint(os.Stderr, "\n")
	os.Exit(1)
}
