/*
 * Copyright (c) 2021-2022 UNNG Lab.
 */

package cfg

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgpassfile"
)

// DialFunc is a function that can be used to connect to a PostgreSQL server.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Config is the settings used to establish a session with a PostgreSQL server. It must be created by ParseConfig.
type Config struct {
	Host           string // host (e.g. localhost) or absolute path to unix domain socket directory (e.g. /private/tmp)
	Port           uint16
	Database       string
	User           string
	Password       string
	TLSConfig      *tls.Config // nil disables TLS
	ConnectTimeout time.Duration
	DialFunc       DialFunc

	// MinReadBufferSize is the initial size of the chunk reader that backs the protocol frontend.
	MinReadBufferSize int

	// RuntimeParams are sent in the startup message unchanged. Connection string keys this package
	// does not recognise end up here.
	RuntimeParams map[string]string

	// Fallbacks are tried in order when the primary host cannot be reached.
	Fallbacks []*FallbackConfig

	// ReadWrite is set by target_session_attrs=read-write. A session that reports
	// transaction_read_only=on is rejected.
	ReadWrite bool

	createdByParseConfig bool
}

// FallbackConfig is additional settings to attempt a connection with when the primary Config fails to establish a
// network connection. It is used for TLS fallback such as sslmode=prefer and multi-host connection strings.
type FallbackConfig struct {
	Host      string
	Port      uint16
	TLSConfig *tls.Config // nil disables TLS
}

// Valid reports whether c was produced by ParseConfig.
func (c *Config) Valid() bool {
	return c != nil && c.createdByParseConfig
}

// Copy returns a deep copy of the config that is safe to use and modify.
// The only exception is the TLSConfig field:
// according to the tls.Config docs it must not be modified after creation.
func (c *Config) Copy() *Config {
	newConf := *c
	if c.TLSConfig != nil {
		newConf.TLSConfig = c.TLSConfig.Clone()
	}
	if c.RuntimeParams != nil {
		newConf.RuntimeParams = make(map[string]string, len(c.RuntimeParams))
		for k, v := range c.RuntimeParams {
			newConf.RuntimeParams[k] = v
		}
	}
	if c.Fallbacks != nil {
		newConf.Fallbacks = make([]*FallbackConfig, len(c.Fallbacks))
		for i, fb := range c.Fallbacks {
			f := *fb
			if fb.TLSConfig != nil {
				f.TLSConfig = fb.TLSConfig.Clone()
			}
			newConf.Fallbacks[i] = &f
		}
	}
	return &newConf
}

// Targets returns the primary host followed by the fallbacks, in the order they should be dialed.
func (c *Config) Targets() []*FallbackConfig {
	targets := make([]*FallbackConfig, 0, len(c.Fallbacks)+1)
	targets = append(targets, &FallbackConfig{Host: c.Host, Port: c.Port, TLSConfig: c.TLSConfig})
	return append(targets, c.Fallbacks...)
}

// NetworkAddress converts a PostgreSQL host and port into network and address suitable for use with
// net.Dial.
func NetworkAddress(host string, port uint16) (network, address string) {
	if strings.HasPrefix(host, "/") {
		return "unix", filepath.Join(host, ".s.PGSQL.") + strconv.FormatInt(int64(port), 10)
	}
	return "tcp", net.JoinHostPort(host, strconv.Itoa(int(port)))
}

// keys that configure the session itself and are never forwarded as runtime params
var notRuntimeParams = map[string]struct{}{
	"host":                 {},
	"port":                 {},
	"database":             {},
	"user":                 {},
	"password":             {},
	"passfile":             {},
	"connect_timeout":      {},
	"sslmode":              {},
	"sslkey":               {},
	"sslcert":              {},
	"sslrootcert":          {},
	"target_session_attrs": {},
	"min_read_buffer_size": {},
	"service":              {},
	"servicefile":          {},
}

// ParseConfig builds a Config from a connection string. connString may be a space separated list of key=value
// pairs (host=localhost port=5432 dbname=app connect_timeout=10) or a postgres:// URL. Settings are layered as
// defaults, PG* environment variables, service file entries and finally the connection string itself.
func ParseConfig(connString string) (*Config, error) {
	connStringSettings := make(map[string]string)
	if connString != "" {
		var err error
		if strings.HasPrefix(connString, "postgres://") || strings.HasPrefix(connString, "postgresql://") {
			connStringSettings, err = parseURLSettings(connString)
			if err != nil {
				return nil, &parseConfigError{connString: connString, msg: "failed to parse as URL", err: err}
			}
		} else {
			connStringSettings, err = parseDSNSettings(connString)
			if err != nil {
				return nil, &parseConfigError{connString: connString, msg: "failed to parse as DSN", err: err}
			}
		}
	}

	defaults := defaultSettings()
	env := parseEnvSettings()
	settings := mergeSettings(defaults, env, connStringSettings)
	if service, ok := settings["service"]; ok {
		serviceSettings, err := parseServiceSettings(settings["servicefile"], service)
		if err != nil {
			return nil, &parseConfigError{connString: connString, msg: "failed to read service", err: err}
		}
		settings = mergeSettings(defaults, env, serviceSettings, connStringSettings)
	}

	c := &Config{
		createdByParseConfig: true,
		Database:             settings["database"],
		User:                 settings["user"],
		Password:             settings["password"],
		RuntimeParams:        make(map[string]string),
	}

	minReadBufferSize, err := strconv.ParseInt(settings["min_read_buffer_size"], 10, 32)
	if err != nil || minReadBufferSize < 1 {
		return nil, &parseConfigError{connString: connString, msg: "cannot parse min_read_buffer_size", err: err}
	}
	c.MinReadBufferSize = int(minReadBufferSize)

	dialer := &net.Dialer{KeepAlive: 5 * time.Minute}
	if s, ok := settings["connect_timeout"]; ok {
		timeout, err := parseConnectTimeoutSetting(s)
		if err != nil {
			return nil, &parseConfigError{connString: connString, msg: "invalid connect_timeout", err: err}
		}
		c.ConnectTimeout = timeout
		dialer.Timeout = timeout
	}
	c.DialFunc = dialer.DialContext

	for k, v := range settings {
		if _, skip := notRuntimeParams[k]; !skip {
			c.RuntimeParams[k] = v
		}
	}

	targets, err := parseTargets(settings)
	if err != nil {
		return nil, &parseConfigError{connString: connString, msg: err.Error()}
	}
	c.Host = targets[0].Host
	c.Port = targets[0].Port
	c.TLSConfig = targets[0].TLSConfig
	c.Fallbacks = targets[1:]

	if c.Password == "" {
		if passfile, err := pgpassfile.ReadPassfile(settings["passfile"]); err == nil {
			host := c.Host
			if network, _ := NetworkAddress(c.Host, c.Port); network == "unix" {
				host = "localhost"
			}
			c.Password = passfile.FindPassword(host, strconv.Itoa(int(c.Port)), c.Database, c.User)
		}
	}

	switch attrs := settings["target_session_attrs"]; attrs {
	case "any":
	case "read-write":
		c.ReadWrite = true
	default:
		return nil, &parseConfigError{connString: connString, msg: fmt.Sprintf("unknown target_session_attrs value: %v", attrs)}
	}

	return c, nil
}

// parseTargets expands host and port lists into one FallbackConfig per host and TLS mode.
func parseTargets(settings map[string]string) ([]*FallbackConfig, error) {
	hosts := strings.Split(settings["host"], ",")
	ports := strings.Split(settings["port"], ",")

	var targets []*FallbackConfig
	for i, host := range hosts {
		portStr := ports[0]
		if i < len(ports) {
			portStr = ports[i]
		}
		port, err := parsePort(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid port: %w", err)
		}

		tlsConfigs := []*tls.Config{nil}
		// TLS settings are ignored for unix domain sockets, as libpq does.
		if network, _ := NetworkAddress(host, port); network != "unix" {
			tlsConfigs, err = configTLS(settings, host)
			if err != nil {
				return nil, fmt.Errorf("failed to configure TLS: %w", err)
			}
		}

		for _, tlsConfig := range tlsConfigs {
			targets = append(targets, &FallbackConfig{Host: host, Port: port, TLSConfig: tlsConfig})
		}
	}
	return targets, nil
}
