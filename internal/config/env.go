// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"strconv"
	"strings"
)

// applyEnv overlays a small set of deployment-critical environment
// variables on top of the file values. ENV wins over the file.
func applyEnv(cfg *Config) {
	if v := parseString("DEARROW_REDIS_HOST"); v != "" {
		cfg.Redis.Host = v
	}
	if v, ok := parseInt("DEARROW_REDIS_PORT"); ok {
		cfg.Redis.Port = v
	}
	if v := parseString("DEARROW_STORAGE_PATH"); v != "" {
		cfg.ThumbnailStorage.Path = v
	}
	if v := parseString("DEARROW_PROXY_TOKEN"); v != "" {
		cfg.ProxyToken = &v
	}
	if v, ok := parseBool("DEARROW_DEBUG"); ok {
		cfg.Debug = v
	}
}

func parseString(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func parseInt(key string) (int, bool) {
	raw := parseString(key)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

func parseBool(key string) (bool, bool) {
	raw := parseString(key)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
