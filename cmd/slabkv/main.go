package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/KevoDB/slabkv/pkg/client"
	"github.com/KevoDB/slabkv/pkg/common/log"
	"github.com/KevoDB/slabkv/pkg/config"
	"github.com/KevoDB/slabkv/pkg/device"
	"github.com/KevoDB/slabkv/pkg/engine"
	"github.com/KevoDB/slabkv/pkg/telemetry"
)

// Options holds the command line configuration
type Options struct {
	ServerMode  bool
	ConfigPath  string
	ListenAddr  string
	Connect     string
	Capacity    uint
	Sorter      string
	Compression string
}

func main() {
	opts := parseFlags()

	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %s\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error configuring logging: %s\n", err)
		os.Exit(1)
	}
	log.SetDefaultLogger(logger)

	// Remote shell against a running server
	if opts.Connect != "" {
		if err := runRemote(opts.Connect, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
			os.Exit(1)
		}
		return
	}

	tel, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing telemetry: %s\n", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tel.Shutdown(ctx)
	}()

	dev := device.NewCPU(
		device.WithMemoryLimit(cfg.DeviceMemoryLimit),
		device.WithParallelism(cfg.DeviceParallelism),
	)
	defer dev.Close()

	eng, err := engine.Create(dev, cfg.Capacity,
		engine.WithConfig(cfg),
		engine.WithLogger(logger),
		engine.WithTelemetry(tel),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating store: %s\n", err)
		os.Exit(1)
	}
	defer eng.Close()

	if opts.ServerMode {
		var metrics http.Handler
		if p, ok := tel.(*telemetry.TelemetryProvider); ok {
			metrics = p.MetricsHandler()
		}
		if err := runServer(eng, cfg, metrics, logger); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
			os.Exit(1)
		}
		return
	}

	if err := runInteractive(localStore{eng: eng}, "slabkv> "); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

// parseFlags parses command line flags and returns Options
func parseFlags() Options {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "slabkv - a batch-oriented key-value store over a compute device\n\n")
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: slabkv [options]\n\n")
		fmt.Fprintf(flag.CommandLine.Output(), "By default, slabkv runs an interactive shell over an in-process store.\n")
		fmt.Fprintf(flag.CommandLine.Output(), "With -server it exposes the store over gRPC; with -connect the shell\n")
		fmt.Fprintf(flag.CommandLine.Output(), "talks to a running server instead.\n\n")
		fmt.Fprintf(flag.CommandLine.Output(), "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(flag.CommandLine.Output(), "\nFor shell commands, start slabkv and type .help\n")
	}

	serverMode := flag.Bool("server", false, "Run in server mode, exposing a gRPC API")
	configPath := flag.String("config", "", "Path to a JSON or YAML configuration file")
	listenAddr := flag.String("address", "", "Address to listen on in server mode (overrides config)")
	connect := flag.String("connect", "", "Address of a server to run the shell against")
	capacity := flag.Uint("capacity", 0, "Slab capacity in entries (overrides config)")
	sorterName := flag.String("sorter", "", "Sort step for upserts: host or radix (overrides config)")
	compression := flag.String("compression", "", "gRPC compression: none, gzip, zstd, snappy or lz4 (overrides config)")

	flag.Parse()

	return Options{
		ServerMode:  *serverMode,
		ConfigPath:  *configPath,
		ListenAddr:  *listenAddr,
		Connect:     *connect,
		Capacity:    *capacity,
		Sorter:      *sorterName,
		Compression: *compression,
	}
}

// loadConfig layers defaults, the config file, the environment and flags
func loadConfig(opts Options) (*config.Config, error) {
	cfg := config.NewDefaultConfig()
	if opts.ConfigPath != "" {
		var err error
		if cfg, err = config.LoadConfig(opts.ConfigPath); err != nil {
			return nil, err
		}
	}
	cfg.LoadFromEnv()

	cfg.Update(func(c *config.Config) {
		if opts.ListenAddr != "" {
			c.ListenAddr = opts.ListenAddr
		}
		if opts.Capacity > 0 {
			c.Capacity = uint32(opts.Capacity)
		}
		if opts.Sorter != "" {
			c.Sorter = opts.Sorter
		}
		if opts.Compression != "" {
			c.Compression = opts.Compression
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*log.StandardLogger, error) {
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	format := log.FormatText
	if strings.EqualFold(cfg.LogFormat, "json") {
		format = log.FormatJSON
	}
	return log.NewStandardLogger(log.WithLevel(level), log.WithFormat(format), log.WithOutput(os.Stderr)), nil
}

// runServer serves eng over gRPC until SIGINT or SIGTERM
func runServer(eng *engine.Engine, cfg *config.Config, metrics http.Handler, logger log.Logger) error {
	server := NewServer(eng, cfg, metrics, logger)
	if err := server.Start(); err != nil {
		return err
	}
	logger.Info("slabkv server started on %s with capacity %d", server.Addr(), cfg.Capacity)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigChan:
		logger.Info("Received signal %v, shutting down", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return err
	}

	// The engine is closed by the caller
	logger.Info("Shutdown complete")
	return nil
}

// runRemote runs the shell against a server
func runRemote(addr string, cfg *config.Config) error {
	c, err := client.NewClient(remoteOptions(addr, cfg))
	if err != nil {
		return err
	}
	defer c.Close()

	return runInteractive(c, fmt.Sprintf("slabkv:%s> ", addr))
}

// remoteOptions derives client options from the configuration. The TLS cert
// and key double as the client identity when the server requires one.
func remoteOptions(addr string, cfg *config.Config) client.ClientOptions {
	opts := client.DefaultClientOptions()
	opts.Endpoint = addr
	opts.Compression = cfg.Compression
	opts.MaxMessageSize = cfg.MaxMessageSize
	opts.TLSEnabled = cfg.TLSEnabled
	opts.CertFile = cfg.TLSCertFile
	opts.KeyFile = cfg.TLSKeyFile
	opts.CAFile = cfg.TLSCAFile
	return opts
}
