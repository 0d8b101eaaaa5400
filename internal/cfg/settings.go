/*
 * Copyright (c) 2021-2022 UNNG Lab.
 */

package cfg

import (
	"errors"
	"fmt"
	"math"
	"net"
	"net/url"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgservicefile"
)

const defaultMinReadBufferSize = "8192"

func defaultSettings() map[string]string {
	settings := map[string]string{
		"host":                 defaultHost(),
		"port":                 "5432",
		"target_session_attrs": "any",
		"min_read_buffer_size": defaultMinReadBufferSize,
	}

	if u, err := user.Current(); err == nil {
		settings["user"] = u.Username
		settings["passfile"] = filepath.Join(u.HomeDir, ".pgpass")
		settings["servicefile"] = filepath.Join(u.HomeDir, ".pg_service.conf")
	}

	return settings
}

// defaultHost prefers the first existing unix socket directory, like libpq.
func defaultHost() string {
	for _, dir := range []string{"/var/run/postgresql", "/private/tmp", "/tmp"} {
		if _, err := os.Stat(dir); err == nil {
			return dir
		}
	}
	return "localhost"
}

var envNames = map[string]string{
	"PGHOST":               "host",
	"PGPORT":               "port",
	"PGDATABASE":           "database",
	"PGUSER":               "user",
	"PGPASSWORD":           "password",
	"PGPASSFILE":           "passfile",
	"PGAPPNAME":            "application_name",
	"PGCONNECT_TIMEOUT":    "connect_timeout",
	"PGSSLMODE":            "sslmode",
	"PGSSLKEY":             "sslkey",
	"PGSSLCERT":            "sslcert",
	"PGSSLROOTCERT":        "sslrootcert",
	"PGTARGETSESSIONATTRS": "target_session_attrs",
	"PGSERVICE":            "service",
	"PGSERVICEFILE":        "servicefile",
}

func parseEnvSettings() map[string]string {
	settings := make(map[string]string)
	for env, key := range envNames {
		if v := os.Getenv(env); v != "" {
			settings[key] = v
		}
	}
	return settings
}

func mergeSettings(sets ...map[string]string) map[string]string {
	settings := make(map[string]string)
	for _, s := range sets {
		for k, v := range s {
			settings[k] = v
		}
	}
	return settings
}

// canonicalKey maps libpq spellings to the names used internally.
func canonicalKey(k string) string {
	if k == "dbname" {
		return "database"
	}
	return k
}

func parseURLSettings(connString string) (map[string]string, error) {
	u, err := url.Parse(connString)
	if err != nil {
		return nil, err
	}

	settings := make(map[string]string)
	if u.User != nil {
		settings["user"] = u.User.Username()
		if password, ok := u.User.Password(); ok {
			settings["password"] = password
		}
	}

	// host:port,host:port is split into parallel host and port lists
	var hosts, ports []string
	for _, host := range strings.Split(u.Host, ",") {
		if host == "" {
			continue
		}
		if isIPOnly(host) {
			hosts = append(hosts, strings.Trim(host, "[]"))
			continue
		}
		h, p, err := net.SplitHostPort(host)
		if err != nil {
			return nil, fmt.Errorf("failed to split host:port in '%s', err: %w", host, err)
		}
		if h != "" {
			hosts = append(hosts, h)
		}
		if p != "" {
			ports = append(ports, p)
		}
	}
	if len(hosts) > 0 {
		settings["host"] = strings.Join(hosts, ",")
	}
	if len(ports) > 0 {
		settings["port"] = strings.Join(ports, ",")
	}

	if database := strings.TrimLeft(u.Path, "/"); database != "" {
		settings["database"] = database
	}

	for k, v := range u.Query() {
		settings[canonicalKey(k)] = v[0]
	}

	return settings, nil
}

func isIPOnly(host string) bool {
	return net.ParseIP(strings.Trim(host, "[]")) != nil || !strings.Contains(host, ":")
}

func isSpace(b byte) bool {
	switch b {
	case ' ', '\t', '\n', '\v', '\f', '\r':
		return true
	}
	return false
}

func unescapeDSNValue(s string) string {
	return strings.NewReplacer(`\\`, `\`, `\'`, `'`).Replace(s)
}

// parseDSNSettings parses space separated key=value pairs. Values may be single quoted; a backslash escapes the
// next character.
func parseDSNSettings(s string) (map[string]string, error) {
	settings := make(map[string]string)

	for {
		s = strings.TrimLeft(s, " \t\n\r\v\f")
		if s == "" {
			return settings, nil
		}

		eq := strings.IndexByte(s, '=')
		if eq < 0 {
			return nil, errors.New("invalid dsn")
		}
		key := strings.TrimRight(s[:eq], " \t\n\r\v\f")
		if key == "" {
			return nil, errors.New("invalid dsn")
		}
		s = strings.TrimLeft(s[eq+1:], " \t\n\r\v\f")

		var val string
		if strings.HasPrefix(s, "'") {
			end := 1
			for ; end < len(s) && s[end] != '\''; end++ {
				if s[end] == '\\' {
					end++
				}
			}
			if end >= len(s) {
				return nil, errors.New("unterminated quoted string in connection info string")
			}
			val = unescapeDSNValue(s[1:end])
			s = s[end+1:]
		} else {
			end := 0
			for ; end < len(s) && !isSpace(s[end]); end++ {
				if s[end] == '\\' {
					end++
					if end == len(s) {
						return nil, errors.New("invalid backslash")
					}
				}
			}
			val = unescapeDSNValue(s[:end])
			s = s[end:]
		}

		settings[canonicalKey(key)] = val
	}
}

func parseServiceSettings(servicefilePath, serviceName string) (map[string]string, error) {
	servicefile, err := pgservicefile.ReadServicefile(servicefilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read service file: %v", servicefilePath)
	}

	service, err := servicefile.GetService(serviceName)
	if err != nil {
		return nil, fmt.Errorf("unable to find service: %v", serviceName)
	}

	settings := make(map[string]string, len(service.Settings))
	for k, v := range service.Settings {
		settings[canonicalKey(k)] = v
	}
	return settings, nil
}

func parsePort(s string) (uint16, error) {
	port, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, err
	}
	if port < 1 || port > math.MaxUint16 {
		return 0, errors.New("outside range")
	}
	return uint16(port), nil
}

func parseConnectTimeoutSetting(s string) (time.Duration, error) {
	timeout, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if timeout < 0 {
		return 0, errors.New("negative timeout")
	}
	return time.Duration(timeout) * time.Second, nil
}
