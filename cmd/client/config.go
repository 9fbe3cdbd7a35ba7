package main

import (
	"flag"
	"time"

	"github.com/matst80/backhaul/internal/tunnel"
)

// Config holds client runtime configuration derived from flags and an
// optional JSON tunnel file.
type Config struct {
	Server     string
	Token      string
	LocalIP    string
	LocalPort  int
	Name       string
	ConfigFile string

	RetryInterval    time.Duration
	PollInterval     time.Duration
	LocalDialTimeout time.Duration

	MetricsAddr string
	Debug       bool
	LogFile     string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

var cfg Config

// init registers all client flags into the default flag set. main parses them.
func init() {
	def := tunnel.DefaultConfig()
	flag.StringVar(&cfg.Server, "server", "127.0.0.1", "relay address as host[:port] (default port 7000)")
	flag.StringVar(&cfg.Token, "token", "", "shared secret presented to the relay")
	flag.StringVar(&cfg.LocalIP, "local-ip", def.LocalIP, "address of the local service to expose")
	flag.IntVar(&cfg.LocalPort, "local-port", 0, "port of the local service to expose")
	flag.StringVar(&cfg.Name, "name", def.TunnelName, "tunnel name to register with the relay")
	flag.StringVar(&cfg.ConfigFile, "config", "", "JSON tunnel config file; flags given explicitly override it")
	flag.DurationVar(&cfg.RetryInterval, "retry-interval", 5*time.Second, "pause between failed sessions")
	flag.DurationVar(&cfg.PollInterval, "poll-interval", time.Second, "control channel poll interval (bounds shutdown latency)")
	flag.DurationVar(&cfg.LocalDialTimeout, "local-dial-timeout", 10*time.Second, "timeout for connecting to the local service")
	flag.StringVar(&cfg.MetricsAddr, "metrics", "", "metrics, health and dashboard listen address (empty disables)")
	flag.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
	flag.StringVar(&cfg.LogFile, "log-file", "", "write logs to this file, rotated by size (default stderr)")
	flag.StringVar(&cfg.RedisAddr, "redis", "", "publish tunnel status to this Redis address")
	flag.StringVar(&cfg.RedisPassword, "redis-password", "", "Redis password")
	flag.IntVar(&cfg.RedisDB, "redis-db", 0, "Redis database number")
}

// tunnelConfig builds the tunnel description: defaults, then the config file,
// then every flag the user set explicitly.
func tunnelConfig() (tunnel.Config, error) {
	tc := tunnel.DefaultConfig()
	if cfg.ConfigFile != "" {
		loaded, err := tunnel.LoadConfigFile(cfg.ConfigFile)
		if err != nil {
			return tc, err
		}
		tc = loaded
	}
	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if cfg.ConfigFile == "" || set["server"] {
		host, port, err := tunnel.ParseServerAddr(cfg.Server, tunnel.DefaultServerPort)
		if err != nil {
			return tc, err
		}
		tc.ServerAddr, tc.ServerPort = host, port
	}
	if cfg.ConfigFile == "" || set["token"] {
		tc.Token = cfg.Token
	}
	if cfg.ConfigFile == "" || set["local-ip"] {
		tc.LocalIP = cfg.LocalIP
	}
	if cfg.ConfigFile == "" || set["local-port"] {
		tc.LocalPort = cfg.LocalPort
	}
	if cfg.ConfigFile == "" || set["name"] {
		tc.TunnelName = cfg.Name
	}
	return tc, tc.Validate()
}
