package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Login is the configuration for the login-side daemon, which hosts the
// bootloader auth port, the data port and the view port.
type Login struct {
	Server   LoginServerConfig `toml:"server"`
	Database DatabaseConfig    `toml:"database"`
	// Queue naming for the per-world broker links. Endpoints and
	// credentials come from the worlds table, not from here.
	MQ      MQConfig      `toml:"mq"`
	Logging LoggingConfig `toml:"logging"`
}

type LoginServerConfig struct {
	// Address the client is told to connect back to (dotted quad).
	LoginIP string `toml:"login_ip"`

	AuthBind string `toml:"auth_bind"`
	DataBind string `toml:"data_bind"`
	ViewBind string `toml:"view_bind"`

	// Failed login attempts allowed per connection before it is dropped.
	MaxLoginAttempts int `toml:"max_login_attempts"`
	// Concurrent connections allowed per source IP across all ports.
	MaxClientConnections int `toml:"max_client_connections"`
	// Initial session TTL granted by the auth handler.
	SessionTimeout time.Duration `toml:"session_timeout"`

	// Content IDs pre-allocated to a freshly created account.
	NewAccountContentIDs int `toml:"new_account_content_ids"`

	ExpectedClientVersion string `toml:"expected_client_version"`
	// 0 = no check, 1 = exact match, 2 = expected version or newer.
	VersionLock int `toml:"version_lock"`
}

// World is the configuration for the world-side daemon, which hosts the
// character allocator, the login MQ peer and the search port.
type World struct {
	World    WorldServerConfig `toml:"world"`
	MQ       MQConfig          `toml:"mq"`
	Database DatabaseConfig    `toml:"database"`
	Logging  LoggingConfig     `toml:"logging"`
}

type WorldServerConfig struct {
	WorldID uint32 `toml:"world_id"`

	// How long a reserved character id stays claimed without a commit.
	ReservationTimeout time.Duration `toml:"reservation_timeout"`

	// Endpoints handed to clients in login acks.
	ZoneIP     string `toml:"zone_ip"`
	ZonePort   uint16 `toml:"zone_port"`
	SearchIP   string `toml:"search_ip"`
	SearchPort uint16 `toml:"search_port"`

	SearchBind string `toml:"search_bind"`
}

type MQConfig struct {
	Server   string `toml:"server"`
	Port     uint16 `toml:"port"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	VHost    string `toml:"vhost"`

	Exchange string `toml:"exchange"`
	Queue    string `toml:"queue"`
	RouteKey string `toml:"route_key"`

	UseSSL        bool   `toml:"ssl"`
	SSLVerify     bool   `toml:"ssl_verify"`
	SSLCAFile     string `toml:"ssl_ca_file"`
	SSLClientCert string `toml:"ssl_client_cert"`
	SSLClientKey  string `toml:"ssl_client_key"`
}

type DatabaseConfig struct {
	DSN             string        `toml:"dsn"`
	MaxOpenConns    int           `toml:"max_open_conns"`
	MaxIdleConns    int           `toml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `toml:"conn_max_lifetime"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "json" or "console"
}

func LoadLogin(path string) (*Login, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := loginDefaults()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func LoadWorld(path string) (*World, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := worldDefaults()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.World.WorldID == 0 {
		return nil, fmt.Errorf("config %s: world_id must be set", path)
	}
	return cfg, nil
}

func loginDefaults() *Login {
	return &Login{
		Server: LoginServerConfig{
			LoginIP:               "127.0.0.1",
			AuthBind:              "0.0.0.0:54231",
			DataBind:              "0.0.0.0:54230",
			ViewBind:              "0.0.0.0:54001",
			MaxLoginAttempts:      3,
			MaxClientConnections:  10,
			SessionTimeout:        30 * time.Second,
			NewAccountContentIDs:  3,
			ExpectedClientVersion: "30191004_0",
			VersionLock:           0,
		},
		Database: DatabaseConfig{
			DSN:             "postgres://xi:xi@localhost:5432/xi_login?sslmode=disable",
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		MQ: MQConfig{
			Queue:    "LOGIN_MQ",
			RouteKey: "WORLD_MQ",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

func worldDefaults() *World {
	return &World{
		World: WorldServerConfig{
			ReservationTimeout: 5 * time.Minute,
			ZoneIP:             "127.0.0.1",
			ZonePort:           54230,
			SearchIP:           "127.0.0.1",
			SearchPort:         54002,
			SearchBind:         "0.0.0.0:54002",
		},
		MQ: MQConfig{
			Server:   "localhost",
			Port:     5672,
			Username: "guest",
			Password: "guest",
			VHost:    "/",
			Queue:    "WORLD_MQ",
			RouteKey: "LOGIN_MQ",
		},
		Database: DatabaseConfig{
			DSN:             "postgres://xi:xi@localhost:5432/xi_world?sslmode=disable",
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}
