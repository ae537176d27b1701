// treescale runs a single node daemon: it listens for peers, joins any
// seed nodes given with -join, and accepts every inbound peer that
// completes the identity handshake.
//
// Run:  go run ./cmd/treescale -listen :8000 -admin 127.0.0.1:9090
//
// Admin endpoints:
//
//	GET /status        — node state and metrics
//	GET /peers         — live peers
//	GET /metrics       — Prometheus text format
//	GET /debug/pprof/  — profiling
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/TheIronBorn/treescale"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// config mirrors the command-line flags; a YAML file given with -config
// fills in anything the flags leave at their default.
type config struct {
	Listen   string   `yaml:"listen"`
	Token    string   `yaml:"token"`
	Value    string   `yaml:"value"`
	Workers  int      `yaml:"workers"`
	Admin    string   `yaml:"admin"`
	Join     []string `yaml:"join"`
	LogLevel string   `yaml:"log_level"`
}

func defaultConfig() config {
	return config{
		Listen:   ":8000",
		Value:    "1",
		LogLevel: "info",
	}
}

func loadConfigFile(path string) (config, error) {
	cfg := defaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

func main() {
	configPath := flag.String("config", "", "YAML config file (flags override it)")
	listen := flag.String("listen", "", "listen address")
	token := flag.String("token", "", "node token (default: random UUID)")
	value := flag.String("value", "", "node value, a non-negative decimal integer")
	workers := flag.Int("workers", 0, "socket-owning workers (default: GOMAXPROCS)")
	admin := flag.String("admin", "", "admin HTTP address (empty = disabled)")
	join := flag.String("join", "", "comma-separated seed addresses to connect to")
	logLevel := flag.String("log-level", "", "debug, info, warn or error")
	flag.Parse()

	cfg := defaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = loadConfigFile(*configPath)
		if err != nil {
			log.Fatalf("config: %v", err)
		}
	}

	// Explicit flags win over the file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			cfg.Listen = *listen
		case "token":
			cfg.Token = *token
		case "value":
			cfg.Value = *value
		case "workers":
			cfg.Workers = *workers
		case "admin":
			cfg.Admin = *admin
		case "join":
			cfg.Join = strings.Split(*join, ",")
		case "log-level":
			cfg.LogLevel = *logLevel
		}
	})

	if cfg.Token == "" {
		cfg.Token = uuid.NewString()
	}

	level, err := treescale.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("log level: %v", err)
	}
	treescale.InitLogger(level)

	var opts []treescale.Option
	if cfg.Workers > 0 {
		opts = append(opts, treescale.WithWorkers(cfg.Workers))
	}
	if cfg.Admin != "" {
		opts = append(opts, treescale.WithAdminAddr(cfg.Admin))
	}

	var node *treescale.Network
	handler := func(ev treescale.Event) {
		if ev.Name == treescale.EventOnPendingConnection {
			node.AcceptPending(ev.From)
			return
		}
		fmt.Printf("[%s] event %s from %s (%d bytes)\n", cfg.Token, ev.Name, ev.From, len(ev.Data))
	}
	opts = append(opts, treescale.WithEventHandler(handler))

	node, err = treescale.New(cfg.Token, cfg.Value, opts...)
	if err != nil {
		log.Fatalf("new node: %v", err)
	}
	if err := node.Start(cfg.Listen); err != nil {
		log.Fatalf("start: %v", err)
	}

	id := node.Identity()
	fmt.Printf("node %s (value %s) listening on %s\n", id.Token, id.ValueText(), node.Addr())
	if cfg.Admin != "" {
		fmt.Printf("admin on http://%s\n", cfg.Admin)
	}

	for _, seed := range cfg.Join {
		seed = strings.TrimSpace(seed)
		if seed == "" {
			continue
		}
		if err := node.Connect(seed); err != nil {
			log.Printf("join %s: %v", seed, err)
			continue
		}
		fmt.Printf("joining %s\n", seed)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	code := waitForExit(sig, node)

	if err := node.Stop(); err != nil {
		log.Printf("stop: %v", err)
	}
	fmt.Println("node stopped")
	os.Exit(code)
}

// waitForExit blocks until a shutdown signal or the death of the node's
// event loop. A signal is a clean exit; nobody else stops the node, so a
// closed Done means the loop died and the process must report failure.
func waitForExit(sig <-chan os.Signal, node *treescale.Network) int {
	select {
	case <-sig:
		fmt.Println("\nshutting down...")
		return 0
	case <-node.Done():
		log.Printf("node failed: %v", node.Err())
		return 1
	}
}
