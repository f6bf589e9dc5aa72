// Package config loads the daemon configuration from flags and
// environment variables. Flags take defaults from the environment, so
// CLI arguments always win.
package config

import (
	"flag"
	"net"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds the callkit daemon configuration.
type Config struct {
	// SIP settings.
	SIPPort       int    `env:"SIP_PORT" envDefault:"5060"`
	BindAddr      string `env:"BIND" envDefault:"0.0.0.0"`
	AdvertiseAddr string `env:"ADVERTISE"`

	// Media advertisement. Media itself is handled out of process.
	MediaAddr string `env:"MEDIA_ADDR"`
	MediaPort int    `env:"MEDIA_PORT" envDefault:"10000"`

	// HTTP API listen address.
	APIAddr string `env:"API_ADDR" envDefault:"0.0.0.0:8080"`

	// DefaultCaller is the display name used when the peer address has no
	// registered name.
	DefaultCaller string `env:"DEFAULT_CALLER" envDefault:"Unknown Caller"`

	// EventBufferSize caps the in-process event channel. Zero disables
	// channel publishing and falls back to log-only events.
	EventBufferSize int `env:"EVENT_BUFFER_SIZE" envDefault:"256"`

	LogLevel string `env:"LOGLEVEL" envDefault:"info"`
}

// Load reads .env (when present), the environment, and command line flags.
func Load() (*Config, error) {
	// Missing .env is fine; explicit ENV_FILE that fails to load is not.
	if envfile := os.Getenv("ENV_FILE"); envfile != "" {
		if err := godotenv.Load(envfile); err != nil {
			return nil, err
		}
	} else {
		_ = godotenv.Load()
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	flag.IntVar(&cfg.SIPPort, "port", cfg.SIPPort, "SIP listening port")
	flag.StringVar(&cfg.BindAddr, "bind", cfg.BindAddr, "SIP bind address")
	flag.StringVar(&cfg.AdvertiseAddr, "advertise", cfg.AdvertiseAddr, "Address to advertise in SIP headers (auto-detected if not set)")
	flag.StringVar(&cfg.APIAddr, "api", cfg.APIAddr, "HTTP API listen address")
	flag.StringVar(&cfg.LogLevel, "loglevel", cfg.LogLevel, "Log level (debug, info, warn, error)")
	flag.Parse()

	if cfg.AdvertiseAddr == "" || !isValidAddress(cfg.AdvertiseAddr) {
		cfg.AdvertiseAddr = getPrimaryInterfaceIP()
	}
	if cfg.MediaAddr == "" {
		cfg.MediaAddr = cfg.AdvertiseAddr
	}

	return cfg, nil
}

// isValidAddress checks if the address is a valid IP or resolvable hostname.
func isValidAddress(addr string) bool {
	if ip := net.ParseIP(addr); ip != nil {
		return true
	}
	if ips, err := net.LookupIP(addr); err == nil && len(ips) > 0 {
		return true
	}
	return false
}

// getPrimaryInterfaceIP detects the primary network interface IP address.
func getPrimaryInterfaceIP() string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}

	return "127.0.0.1"
}
