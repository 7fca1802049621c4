package rediscache

import (
	"fmt"

	"github.com/spf13/cast"
)

const (
	StoreName     = "redis"
	DefaultPrefix = "xmediator:cache:"
)

// Config for the Redis cache store.
type Config struct {
	// Connection
	Addr          string
	Username      string
	Password      string
	DB            int
	TLS           bool
	TLSServerName string

	// Prefix namespaces every key written by the store.
	Prefix string
	// Codec names a registered xmediator codec (default "json").
	Codec string
}

// Defaults returns a Config for a local Redis.
func Defaults() Config {
	return Config{
		Addr:   "127.0.0.1:6379",
		Prefix: DefaultPrefix,
		Codec:  "json",
	}
}

// Validate checks Config before connecting.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("config: addr required")
	}
	if c.DB < 0 {
		return fmt.Errorf("config: db must be >= 0, got %d", c.DB)
	}
	if c.Prefix == "" {
		return fmt.Errorf("config: prefix required")
	}
	return nil
}

// toMap converts Config to the generic map accepted by the store factory.
func (c Config) toMap() map[string]any {
	return map[string]any{
		"addr":            c.Addr,
		"username":        c.Username,
		"password":        c.Password,
		"db":              c.DB,
		"tls":             c.TLS,
		"tls_server_name": c.TLSServerName,
		"prefix":          c.Prefix,
		"codec":           c.Codec,
	}
}

// ConfigFromMap converts a generic map to Config over Defaults. Values may be
// strings (as read from env or flat config files) or native types.
func ConfigFromMap(m map[string]any) Config {
	c := Defaults()

	if v := cast.ToString(m["addr"]); v != "" {
		c.Addr = v
	}
	if v, ok := m["username"]; ok {
		c.Username = cast.ToString(v)
	}
	if v, ok := m["password"]; ok {
		c.Password = cast.ToString(v)
	}
	if v, err := cast.ToIntE(m["db"]); err == nil && v >= 0 {
		c.DB = v
	}
	if v, err := cast.ToBoolE(m["tls"]); err == nil {
		c.TLS = v
	}
	if v := cast.ToString(m["tls_server_name"]); v != "" {
		c.TLSServerName = v
	}
	if v := cast.ToString(m["prefix"]); v != "" {
		c.Prefix = v
	}
	if v := cast.ToString(m["codec"]); v != "" {
		c.Codec = v
	}
	return c
}
