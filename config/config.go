// Package config loads the momoland YAML configuration, layered under a .env
// file and MOMOLAND_* environment variables, and turns it into the options the
// socket, auth and debug packages take.
package config

import (
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/momoland/realtime/auth"
	"github.com/momoland/realtime/debug"
	"github.com/momoland/realtime/socket"
	"github.com/momoland/realtime/socket/transport"
)

const (
	EnvURL        = "MOMOLAND_URL"
	EnvToken      = "MOMOLAND_TOKEN"
	EnvAddr       = "MOMOLAND_ADDR"
	EnvNgrokToken = "NGROK_AUTHTOKEN"
)

const (
	TransportWebSocket   = "websocket"
	TransportLongPolling = "longpolling"
)

type Config struct {
	Client ClientConfig `yaml:"client"`
	Server ServerConfig `yaml:"server"`
	Log    LogConfig    `yaml:"log"`
}

type ClientConfig struct {
	// URL is the server base, e.g. http://localhost:8080. The socket
	// endpoint is derived from it.
	URL              string          `yaml:"url"`
	Transport        string          `yaml:"transport"`
	Token            string          `yaml:"token"`
	SessionFile      string          `yaml:"session_file"`
	APIURL           string          `yaml:"api_url"`
	Reconnect        ReconnectConfig `yaml:"reconnect"`
	HandshakeTimeout time.Duration   `yaml:"handshake_timeout"`
	SendBuffer       int             `yaml:"send_buffer"`
}

type ReconnectConfig struct {
	MinDelay    time.Duration `yaml:"min_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Factor      float64       `yaml:"factor"`
	Jitter      bool          `yaml:"jitter"`
	MaxAttempts int           `yaml:"max_attempts"`
}

type ServerConfig struct {
	Addr           string        `yaml:"addr"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	PingTimeout    time.Duration `yaml:"ping_timeout"`
	AuthTimeout    time.Duration `yaml:"auth_timeout"`
	MaxConnections int           `yaml:"max_connections"`
	Users          []UserEntry   `yaml:"users"`
	// AuthURL delegates token checks to a remote auth service instead of
	// the Users table.
	AuthURL string      `yaml:"auth_url"`
	Ngrok   NgrokConfig `yaml:"ngrok"`
}

// UserEntry is one row of the static token table.
type UserEntry struct {
	Token     string `yaml:"token"`
	auth.User `yaml:",inline"`
}

type NgrokConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Domain    string `yaml:"domain"`
	AuthToken string `yaml:"authtoken"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

func Default() *Config {
	return &Config{
		Client: ClientConfig{
			URL:         "http://localhost:8080",
			Transport:   TransportWebSocket,
			SessionFile: defaultSessionFile(),
			Reconnect: ReconnectConfig{
				MinDelay:    time.Second,
				MaxDelay:    30 * time.Second,
				Factor:      2,
				MaxAttempts: 5,
			},
			HandshakeTimeout: 10 * time.Second,
			SendBuffer:       64,
		},
		Server: ServerConfig{
			Addr:           ":8080",
			PingInterval:   25 * time.Second,
			PingTimeout:    20 * time.Second,
			AuthTimeout:    10 * time.Second,
			MaxConnections: 1000,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultSessionFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".momoland-session.json"
	}
	return filepath.Join(dir, "momoland", "session.json")
}

// Load reads the .env files (./.env when none are named; a missing one is
// skipped), then the YAML file at path over the defaults, then the
// environment overrides. An empty path skips the YAML step.
func Load(path string, envFiles ...string) (*Config, error) {
	if err := loadDotEnv(envFiles); err != nil {
		return nil, err
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "read config")
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", path)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadDotEnv(files []string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return errors.Wrapf(err, "load %s", f)
		}
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvURL); v != "" {
		c.Client.URL = v
	}
	if v := os.Getenv(EnvToken); v != "" {
		c.Client.Token = v
	}
	if v := os.Getenv(EnvAddr); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv(EnvNgrokToken); v != "" {
		c.Server.Ngrok.AuthToken = v
	}
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var err error

	u, perr := url.Parse(c.Client.URL)
	switch {
	case c.Client.URL == "":
		err = multierr.Append(err, errors.New("client.url is required"))
	case perr != nil:
		err = multierr.Append(err, errors.Wrap(perr, "client.url"))
	case u.Scheme != "http" && u.Scheme != "https":
		err = multierr.Append(err, errors.Errorf("client.url: unsupported scheme %q", u.Scheme))
	}

	switch c.Client.Transport {
	case TransportWebSocket, TransportLongPolling:
	default:
		err = multierr.Append(err, errors.Errorf("client.transport: unknown transport %q", c.Client.Transport))
	}

	r := c.Client.Reconnect
	if r.MinDelay <= 0 {
		err = multierr.Append(err, errors.New("client.reconnect.min_delay must be positive"))
	}
	if r.MaxDelay < r.MinDelay {
		err = multierr.Append(err, errors.New("client.reconnect.max_delay is below min_delay"))
	}
	if r.Factor < 1 {
		err = multierr.Append(err, errors.New("client.reconnect.factor must be at least 1"))
	}

	if c.Server.PingInterval <= 0 || c.Server.PingTimeout <= 0 || c.Server.AuthTimeout <= 0 {
		err = multierr.Append(err, errors.New("server: ping_interval, ping_timeout and auth_timeout must be positive"))
	}

	seen := make(map[string]bool, len(c.Server.Users))
	for i, entry := range c.Server.Users {
		if entry.Token == "" {
			err = multierr.Append(err, errors.Errorf("server.users[%d]: token is required", i))
			continue
		}
		if seen[entry.Token] {
			err = multierr.Append(err, errors.Errorf("server.users[%d]: duplicate token", i))
		}
		seen[entry.Token] = true
		switch entry.Role {
		case "", auth.RoleUser, auth.RoleAdmin:
		default:
			err = multierr.Append(err, errors.Errorf("server.users[%d]: unknown role %q", i, entry.Role))
		}
	}

	return err
}

// SocketURL is the WebSocket endpoint for the websocket transport and the
// long-polling base otherwise.
func (c *ClientConfig) SocketURL() string {
	base := strings.TrimRight(c.URL, "/")
	if c.Transport == TransportLongPolling {
		return base + "/socket"
	}
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/socket"
}

// API returns the REST base used to verify tokens, APIURL or else URL.
func (c *ClientConfig) API() string {
	if c.APIURL != "" {
		return strings.TrimRight(c.APIURL, "/")
	}
	return strings.TrimRight(c.URL, "/")
}

func (c *ClientConfig) Factory(logger *zap.Logger) socket.TransportFactory {
	if c.Transport == TransportLongPolling {
		return socket.LongPollingFactory(c.SocketURL(), transport.WithLongPollingLogger(logger))
	}
	return socket.WebSocketFactory(c.SocketURL(), transport.WithLogger(logger))
}

func (c *ClientConfig) ManagerOptions(logger *zap.Logger) []socket.ManagerOption {
	return []socket.ManagerOption{
		socket.WithLogger(logger),
		socket.WithReconnectDelay(c.Reconnect.MinDelay),
		socket.WithMaxReconnectDelay(c.Reconnect.MaxDelay),
		socket.WithReconnectFactor(c.Reconnect.Factor),
		socket.WithReconnectJitter(c.Reconnect.Jitter),
		socket.WithReconnectAttempts(c.Reconnect.MaxAttempts),
		socket.WithHandshakeTimeout(c.HandshakeTimeout),
		socket.WithSendBuffer(c.SendBuffer),
	}
}

// NewManager builds a manager for this client config.
func (c *ClientConfig) NewManager(logger *zap.Logger) *socket.Manager {
	return socket.NewManager(c.Factory(logger), c.ManagerOptions(logger)...)
}

func (c *ClientConfig) Store() *auth.FileStore {
	return auth.NewFileStore(c.SessionFile)
}

// Verifier checks tokens against the REST API.
func (c *ClientConfig) Verifier(client *http.Client) auth.Verifier {
	return auth.NewHTTPVerifier(c.API(), client)
}

// Verifier is the remote auth service when AuthURL is set, the static
// users table otherwise.
func (c *ServerConfig) Verifier(client *http.Client) auth.Verifier {
	if c.AuthURL != "" {
		return auth.NewHTTPVerifier(c.AuthURL, client)
	}
	tokens := make(map[string]auth.User, len(c.Users))
	for _, entry := range c.Users {
		tokens[entry.Token] = entry.User
	}
	return auth.NewStaticVerifier(tokens)
}

func (c *ServerConfig) Options(logger *zap.Logger) []socket.ServerOption {
	return []socket.ServerOption{
		socket.WithServerLogger(logger),
		socket.WithPingInterval(c.PingInterval),
		socket.WithPingTimeout(c.PingTimeout),
		socket.WithAuthTimeout(c.AuthTimeout),
		socket.WithMaxConcurrency(c.MaxConnections),
	}
}

func (c LogConfig) Debug() debug.Config {
	cfg := debug.DefaultConfig()
	if c.Level != "" {
		cfg.Level = c.Level
	}
	cfg.Development = c.Development
	return cfg
}
