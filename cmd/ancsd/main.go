package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/chaz8081/ancsd/internal/ancs"
	"github.com/chaz8081/ancsd/internal/ble"
	"github.com/chaz8081/ancsd/internal/ble/protocol"
	"github.com/chaz8081/ancsd/internal/config"
	"github.com/chaz8081/ancsd/internal/prompt"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/ancsd/config.yaml)")
	writeConfig := flag.Bool("write-config", false, "write the default config file and exit")
	flag.Parse()

	if *writeConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if path == "" {
			log.Printf("Config already exists at %s", config.DefaultConfigPath())
			return
		}
		log.Printf("Default config written to %s", path)
		return
	}

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))

	printBanner(cfg)

	if err := run(cfg); err != nil {
		if errors.Is(err, ble.ErrDeviceNotFound) {
			log.Fatalf("ancsd: %v\n\nPair the phone first (e.g. with bluetoothctl) while ancsd is advertising.", err)
		}
		log.Fatalf("ancsd: %v", err)
	}
	log.Println("Goodbye!")
}

func run(cfg *config.Config) error {
	// Signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	transport, err := ble.NewBluezTransport(cfg.Adapter)
	if err != nil {
		return err
	}
	defer transport.Close()

	if err := transport.PowerOn(ctx); err != nil {
		return err
	}
	log.Printf("Adapter %s powered on", cfg.Adapter)

	console := prompt.NewConsole(os.Stdin, os.Stdout)
	agent := ble.NewPairingAgent(console, os.Stdout)
	reg, err := transport.RegisterAgent(agent, ble.AgentOptions{
		Capability: cfg.Agent.Capability,
		Default:    cfg.Agent.Default,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := reg.Unregister(); err != nil {
			log.Printf("ERROR: %v", err)
		}
	}()
	log.Printf("Pairing agent ready (capability: %s)", cfg.Agent.Capability)

	if cfg.Advertise {
		adv, err := transport.StartAdvertising(ctx, cfg.LocalName)
		if err != nil {
			return err
		}
		defer func() {
			if err := adv.Stop(); err != nil {
				log.Printf("ERROR: %v", err)
			}
		}()
		log.Printf("Advertising as %q", cfg.LocalName)
	}

	client := ancs.NewClient(transport, ancs.Options{
		ShutdownGrace: cfg.Shutdown,
		OnEvent:       printEvent,
	})

	log.Println("Looking for a paired device offering ANCS. Ctrl+C to quit.")
	return client.Run(ctx)
}

func printEvent(ev protocol.Event) {
	fmt.Printf("[%s] uid=%d category=%s (%d) flags=%s\n",
		ev.Kind, ev.UID, ev.Category, ev.CategoryCount, ev.Flags)
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	// No config file, use defaults
	log.Println("No config file found, using defaults")
	return config.Default(), nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	advertise := "off"
	if cfg.Advertise {
		advertise = cfg.LocalName
	}
	fmt.Println("=== ancsd ===")
	fmt.Printf("  Adapter:   %s\n", cfg.Adapter)
	fmt.Printf("  Advertise: %s\n", advertise)
	fmt.Printf("  Agent:     %s (default: %t)\n", cfg.Agent.Capability, cfg.Agent.Default)
	fmt.Printf("  Shutdown:  %s grace\n", cfg.Shutdown)
	fmt.Printf("  Log:       %s\n", cfg.LogLevel)
	fmt.Println("=============")
}
