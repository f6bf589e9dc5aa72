package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sebas/callkit/internal/callkit/app"
	"github.com/sebas/callkit/internal/callkit/config"
	"github.com/sebas/callkit/internal/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger.InitLogger(os.Stdout)
	logger.SetLevel(cfg.LogLevel)

	daemon, err := app.NewDaemon(cfg)
	if err != nil {
		slog.Error("Failed to create callkit daemon", "error", err)
		os.Exit(1)
	}
	defer daemon.Close()

	run(daemon, cfg)
}

func run(daemon *app.Daemon, cfg *config.Config) {
	slog.Info("Starting Callkit Daemon",
		"sip_port", cfg.SIPPort,
		"api_addr", cfg.APIAddr,
	)
	logNetworkInterfaces()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := daemon.Start(ctx); err != nil {
			slog.Error("Daemon error", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("Received signal, shutting down", "signal", sig)
	cancel()

	time.Sleep(1 * time.Second)
}

func logNetworkInterfaces() {
	interfaces, err := net.Interfaces()
	if err != nil {
		return
	}

	for _, iface := range interfaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ip, _, err := net.ParseCIDR(addr.String())
			if err != nil {
				continue
			}
			slog.Debug("Network interface", "interface", iface.Name, "ip", ip.String())
		}
	}
}
