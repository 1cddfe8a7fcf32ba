package config

import (
	"os"
	"strconv"

	"gopkg.in/ini.v1"
)

// Config holds the proxy configuration
type Config struct {
	Service ServiceConfig
	Users   UsersConfig
	Monitor MonitorConfig
	Pool    PoolConfig
	Servers map[string]ServerConfig
}

// ServiceConfig holds the identity the proxy uses towards backends
// when a client session supplies none
type ServiceConfig struct {
	User     string
	Password string
	DB       string
}

// UsersConfig locates the account repository
type UsersConfig struct {
	File        string
	CacheSize   int
	CacheTTLSec int
}

// MonitorConfig drives the backend health monitor
type MonitorConfig struct {
	IntervalSec int
	User        string
	Password    string
}

// PoolConfig drives the persistent connection pool
type PoolConfig struct {
	MaxAgeSec int
	SweepSec  int
}

// ServerConfig describes one backend server
type ServerConfig struct {
	Address        string
	Port           int
	PersistPoolMax int
}

// Load reads configuration from an INI file with environment variable overrides
func Load(path string) (*Config, error) {
	cfg, err := ini.Load(path)
	if err != nil {
		return nil, err
	}

	config := &Config{
		Servers: make(map[string]ServerConfig),
	}

	svc := cfg.Section("service")
	config.Service = ServiceConfig{
		User:     svc.Key("user").MustString("tqsqlproxy"),
		Password: svc.Key("password").MustString(""),
		DB:       svc.Key("db").MustString(""),
	}

	usr := cfg.Section("users")
	config.Users = UsersConfig{
		File:        usr.Key("file").MustString(""),
		CacheSize:   usr.Key("cache_size").MustInt(1024),
		CacheTTLSec: usr.Key("cache_ttl").MustInt(60),
	}

	mon := cfg.Section("monitor")
	config.Monitor = MonitorConfig{
		IntervalSec: mon.Key("interval").MustInt(10),
		User:        mon.Key("user").MustString(config.Service.User),
		Password:    mon.Key("password").MustString(config.Service.Password),
	}

	pl := cfg.Section("pool")
	config.Pool = PoolConfig{
		MaxAgeSec: pl.Key("max_age").MustInt(300),
		SweepSec:  pl.Key("sweep_interval").MustInt(30),
	}

	// Parse servers ([server.NAME] sections)
	for _, sec := range cfg.Sections() {
		name := sec.Name()
		if len(name) <= len("server.") || name[:len("server.")] != "server." {
			continue
		}
		config.Servers[name[len("server."):]] = ServerConfig{
			Address:        sec.Key("address").MustString("127.0.0.1"),
			Port:           sec.Key("port").MustInt(3306),
			PersistPoolMax: sec.Key("persistpoolmax").MustInt(0),
		}
	}

	// Environment variable overrides
	if v := os.Getenv("TQSQLPROXY_SERVICE_USER"); v != "" {
		config.Service.User = v
	}
	if v := os.Getenv("TQSQLPROXY_SERVICE_PASSWORD"); v != "" {
		config.Service.Password = v
	}
	if v := os.Getenv("TQSQLPROXY_USERS_FILE"); v != "" {
		config.Users.File = v
	}
	if v := os.Getenv("TQSQLPROXY_MONITOR_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Monitor.IntervalSec = n
		}
	}

	return config, nil
}
