package main

import (
	"flag"
	"fmt"
	"os"
	"time"
)

const usage1 string = `Usage: localtunnel [OPTIONS]
options:
`

const usage2 string = `
Examples:
	localtunnel -port 8000
	localtunnel -port 8000 -subdomain demo
	localtunnel -config localtunnel.yaml -log-level 2

localtunnel.yaml:
	local_port: 8000
	subdomain: demo
	broker_url: https://localtunnel.me
	local_host: backend.local
	max_reconnect_attempts: 5
`

func init() {
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage1)
		flag.PrintDefaults()
		fmt.Fprint(os.Stderr, usage2)
	}
}

type options struct {
	config           string
	port             int
	subdomain        string
	host             string
	localHost        string
	localHTTPS       bool
	localCert        string
	localKey         string
	localCA          string
	allowInvalidCert bool
	noIPCheck        bool
	noNetMonitor     bool
	ipInterval       time.Duration
	noReconnect      bool
	metricsAddr      string
	logTo            string
	logLevel         int
	version          bool
}

func parseArgs() *options {
	config := flag.String("config", "", "Path to configuration file, flags override its values")
	port := flag.Int("port", 0, "Local port to expose")
	subdomain := flag.String("subdomain", "", "Request a named subdomain from the broker")
	host := flag.String("host", "", "Broker base URL")
	localHost := flag.String("local-host", "", "Forward traffic to this host instead of localhost, rewrites the Host header")
	localHTTPS := flag.Bool("local-https", false, "Speak TLS to the local service")
	localCert := flag.String("local-cert", "", "Client certificate for the local TLS leg")
	localKey := flag.String("local-key", "", "Client key for the local TLS leg")
	localCA := flag.String("local-ca", "", "CA bundle used to verify the local service")
	allowInvalidCert := flag.Bool("allow-invalid-cert", false, "Skip verification of the local service certificate")
	noIPCheck := flag.Bool("no-ip-check", false, "Disable public IP change detection")
	noNetMonitor := flag.Bool("no-net-monitor", false, "Disable resume and network change triggers")
	ipInterval := flag.Duration("ip-interval", 0, "Public IP check interval, minimum 5s")
	noReconnect := flag.Bool("no-reconnect", false, "Disable automatic session reconnection")
	metricsAddr := flag.String("metrics-addr", "", "Expose prometheus metrics on this address")
	logTo := flag.String("log", "stdout", "Write log messages to this file, file name or 'stdout', 'stderr', 'none'")
	logLevel := flag.Int("log-level", 1, "Level of messages to log, 0-3")
	version := flag.Bool("version", false, "Prints localtunnel version")
	flag.Parse()

	return &options{
		config:           *config,
		port:             *port,
		subdomain:        *subdomain,
		host:             *host,
		localHost:        *localHost,
		localHTTPS:       *localHTTPS,
		localCert:        *localCert,
		localKey:         *localKey,
		localCA:          *localCA,
		allowInvalidCert: *allowInvalidCert,
		noIPCheck:        *noIPCheck,
		noNetMonitor:     *noNetMonitor,
		ipInterval:       *ipInterval,
		noReconnect:      *noReconnect,
		metricsAddr:      *metricsAddr,
		logTo:            *logTo,
		logLevel:         *logLevel,
		version:          *version,
	}
}
