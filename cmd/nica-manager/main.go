// Command nica-manager is the NICA control-plane daemon: it arbitrates
// access to a shared programmable SmartNIC between host tenants and
// guest VMs over a local socket and per-VM virtio-serial channels.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/behrlich/nica-manager/internal/logging"
	"github.com/behrlich/nica-manager/internal/manager"
)

func main() {
	var (
		mstDevice = flag.String("d", "", "MST device path (default: autodetect)")
		verbose   = flag.Bool("v", false, "enable debug logging")
	)
	flag.Parse()

	level := logging.LevelInfo
	if *verbose {
		level = logging.LevelDebug
	}
	log := logging.NewLogger(&logging.Config{Level: level, Output: os.Stderr})
	logging.SetDefault(log)

	m, err := manager.New(manager.Config{MSTDevice: *mstDevice, Logger: log})
	if err != nil {
		fmt.Fprintf(os.Stderr, "nica-manager: %v\n", err)
		os.Exit(1)
	}

	if err := m.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "nica-manager: %v\n", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("received shutdown signal")
		m.RequestStop()
	}()

	if err := m.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "nica-manager: run loop exited with error: %v\n", err)
	}

	if err := m.Shutdown(); err != nil {
		fmt.Fprintf(os.Stderr, "nica-manager: shutdown error: %v\n", err)
		os.Exit(1)
	}
}
