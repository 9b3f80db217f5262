package config

import "time"

type Config struct {
	Server    ServerConfig
	Transport TransportConfig
	Heartbeat HeartbeatConfig
	Session   SessionConfig
	Store     StoreConfig
	LogLevel  string `mapstructure:"logLevel"`
}

type ServerConfig struct {
	Address         string
	Auth            AuthConfig
	ConnectionLimit ConnectionLimitConfig `mapstructure:"connectionLimit"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwtSecret"`
}

type ConnectionLimitConfig struct {
	MaxPerUser int    `mapstructure:"maxPerUser"`
	Mode       string `mapstructure:"mode"` // "reject" or "cycle"
}

type TransportConfig struct {
	ReadTimeout time.Duration `mapstructure:"readTimeout"`
}

type HeartbeatConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	// TimeoutMultiple is how many missed intervals a connection survives
	// before it is evicted.
	TimeoutMultiple int `mapstructure:"timeoutMultiple"`
}

func (h HeartbeatConfig) Timeout() time.Duration {
	return h.Interval * time.Duration(h.TimeoutMultiple)
}

type SessionConfig struct {
	// LockIdleTimeout force-releases node locks that have not been refreshed
	// for this long. Zero disables the reaper; locks then live until explicit
	// release or disconnect.
	LockIdleTimeout time.Duration `mapstructure:"lockIdleTimeout"`
}

type StoreConfig struct {
	// Driver selects the document store backing the workflow-update path:
	// "sqlite" or "memory".
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}
