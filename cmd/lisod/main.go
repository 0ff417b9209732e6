// Package main runs the liso static file server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/FumingPower3925/liso/pkg/liso"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "lisod:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("lisod", flag.ContinueOnError)
	configPath := fs.String("config", "", "YAML configuration file")
	httpAddr := fs.String("http", "", "plaintext listen address (host:port)")
	httpsAddr := fs.String("https", "", "TLS listen address (host:port)")
	certFile := fs.String("cert", "", "PEM certificate file")
	keyFile := fs.String("key", "", "PEM private key file")
	root := fs.String("root", "", "directory to serve")
	engine := fs.String("engine", "", "event loop engine: select or gnet")
	metricsAddr := fs.String("metrics", "", "Prometheus metrics listen address")
	logLevel := fs.String("log-level", "", "debug, info, warn or error")
	logFile := fs.String("log-file", "", "log file (default stderr)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	config := liso.DefaultConfig()
	if *configPath != "" {
		c, err := liso.LoadConfig(*configPath)
		if err != nil {
			return err
		}
		config = c
	}

	// Flags override the file.
	overrides := map[*string]*string{
		httpAddr:    &config.HTTPAddr,
		httpsAddr:   &config.HTTPSAddr,
		certFile:    &config.CertFile,
		keyFile:     &config.KeyFile,
		root:        &config.Root,
		engine:      &config.Engine,
		metricsAddr: &config.MetricsAddr,
		logLevel:    &config.LogLevel,
		logFile:     &config.LogFile,
	}
	for flagValue, field := range overrides {
		if *flagValue != "" {
			*field = *flagValue
		}
	}

	server, err := liso.New(config)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return server.Serve(ctx)
}
