// Command ancs-devices is a manual check of the BlueZ side of ancsd.
// It lists the devices known to the adapter and marks the ones that offer
// ANCS. With -resolve it also reads the cached GATT tree of each ANCS
// device and reports whether every required characteristic is present.
//
// Usage:
//
//	go run ./cmd/ancs-devices [-config path] [-resolve]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/chaz8081/ancsd/internal/ble"
	"github.com/chaz8081/ancsd/internal/config"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: ~/.config/ancsd/config.yaml)")
	resolve := flag.Bool("resolve", false, "check the ANCS characteristics of each ANCS device")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	transport, err := ble.NewBluezTransport(cfg.Adapter)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	defer transport.Close()

	devices, err := transport.Devices(ctx)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	if len(devices) == 0 {
		fmt.Printf("No devices known to %s. Pair a phone first.\n", cfg.Adapter)
		return
	}

	fmt.Printf("Devices on %s:\n", cfg.Adapter)
	for _, dev := range devices {
		mark := " "
		if dev.HasService(ble.ServiceUUID) {
			mark = "*"
		}
		connected, _ := transport.Connected(ctx, dev)
		fmt.Printf(" %s %s  %-24s connected=%t\n", mark, dev.Address, dev.Name, connected)

		if *resolve && mark == "*" {
			checkCharacteristics(ctx, transport, dev)
		}
	}
	fmt.Println("\n* offers ANCS")
}

func checkCharacteristics(ctx context.Context, transport ble.Transport, dev ble.Device) {
	services, err := transport.Services(ctx, dev)
	if err != nil {
		fmt.Printf("     services: %v\n", err)
		return
	}
	if _, err := ble.ResolveCharacteristics(services); err != nil {
		var missing *ble.MissingCharacteristicError
		if errors.As(err, &missing) {
			fmt.Printf("     incomplete: %s missing (connect once to populate the GATT cache)\n", missing.Which)
			return
		}
		fmt.Printf("     resolve: %v\n", err)
		return
	}
	fmt.Println("     all ANCS characteristics present")
}
