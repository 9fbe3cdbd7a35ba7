package tunnel

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// DefaultServerPort is used when the relay address carries no port.
const DefaultServerPort = 7000

// Config describes one tunnel. It is read once per session and never mutated
// by this package.
type Config struct {
	ServerAddr string `json:"server_addr"`
	ServerPort int    `json:"server_port"`
	Token      string `json:"token"`
	LocalIP    string `json:"local_ip"`
	LocalPort  int    `json:"local_port"`
	TunnelName string `json:"tunnel_name"`
	Protocol   string `json:"protocol"`
	// UseEncryption and UseCompression are forwarded to the relay in the
	// registration request. Nothing in this client encrypts or compresses
	// forwarded bytes.
	UseEncryption  bool `json:"use_encryption"`
	UseCompression bool `json:"use_compression"`
}

// DefaultConfig returns the values the client starts from before flags or a
// config file are applied.
func DefaultConfig() Config {
	return Config{
		ServerPort:     DefaultServerPort,
		LocalIP:        "127.0.0.1",
		TunnelName:     "web_tunnel",
		Protocol:       "tcp",
		UseEncryption:  true,
		UseCompression: true,
	}
}

// Validate checks the invariants a session relies on.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.ServerAddr) == "" {
		errs = append(errs, errors.New("relay host is required"))
	}
	if !validPort(c.ServerPort) {
		errs = append(errs, fmt.Errorf("relay port %d out of range [1, 65535]", c.ServerPort))
	}
	if strings.TrimSpace(c.Token) == "" {
		errs = append(errs, errors.New("token is required"))
	}
	if strings.TrimSpace(c.LocalIP) == "" {
		errs = append(errs, errors.New("local ip is required"))
	}
	if !validPort(c.LocalPort) {
		errs = append(errs, fmt.Errorf("local port %d out of range [1, 65535]", c.LocalPort))
	}
	if strings.TrimSpace(c.TunnelName) == "" {
		errs = append(errs, errors.New("tunnel name is required"))
	}
	if c.Protocol != "tcp" {
		errs = append(errs, fmt.Errorf("unsupported protocol %q (only tcp)", c.Protocol))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func validPort(p int) bool { return p >= 1 && p <= 65535 }

// RelayAddr is the host:port of the relay control listener.
func (c Config) RelayAddr() string {
	return net.JoinHostPort(c.ServerAddr, strconv.Itoa(c.ServerPort))
}

// LocalAddr is the host:port of the service being exposed.
func (c Config) LocalAddr() string {
	return net.JoinHostPort(c.LocalIP, strconv.Itoa(c.LocalPort))
}

// ParseServerAddr splits "host[:port]". A missing port yields defaultPort; a
// trailing colon with no port is an error.
func ParseServerAddr(s string, defaultPort int) (string, int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", 0, errors.New("empty server address")
	}
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		// Only a host (or a bare IPv6 literal) was given.
		if strings.Count(s, ":") > 1 || !strings.Contains(s, ":") {
			return strings.Trim(s, "[]"), defaultPort, nil
		}
		return "", 0, fmt.Errorf("parse server address %q: %w", s, err)
	}
	if host == "" {
		return "", 0, fmt.Errorf("parse server address %q: missing host", s)
	}
	if port == "" {
		return "", 0, fmt.Errorf("parse server address %q: empty port", s)
	}
	p, err := strconv.Atoi(port)
	if err != nil || !validPort(p) {
		return "", 0, fmt.Errorf("parse server address %q: invalid port %q", s, port)
	}
	return host, p, nil
}

// LoadConfigFile reads a JSON tunnel config. Keys missing from the file keep
// their DefaultConfig values. The result is not validated.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
