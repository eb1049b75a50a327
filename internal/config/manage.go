package config

import (
	"fmt"
)

// KeyInfo describes a config key for display purposes.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
}

// ShowAll returns all config key/value pairs from the current config.
func ShowAll(cfg Config) []KeyInfo {
	var result []KeyInfo
	for _, s := range specs {
		if s.secret {
			continue
		}
		result = append(result, KeyInfo{
			Key:    s.key,
			EnvVar: s.env,
			Value:  fmt.Sprintf("%v", s.extract(cfg)),
		})
	}
	return result
}

// SetKey validates value and writes it to the config file.
func SetKey(key, value string) error {
	return setKey(newPlatformBackend(), key, value)
}

func setKey(b ConfigBackend, key, value string) error {
	for _, s := range specs {
		if s.key != key {
			continue
		}
		if s.secret {
			return fmt.Errorf("cannot set secret %q via config; use environment variable %s or `echoes config set-key`", key, s.env)
		}
		v, err := s.parse(value)
		if err != nil {
			return fmt.Errorf("invalid value for %s: %w", key, err)
		}
		if i, ok := v.(int); ok {
			return b.SetInt(key, i)
		}
		return b.SetString(key, value)
	}
	return fmt.Errorf("unknown config key: %q", key)
}

// UnsetKey removes key from the config file so its default applies again.
func UnsetKey(key string) error {
	return unsetKey(newPlatformBackend(), key)
}

func unsetKey(b ConfigBackend, key string) error {
	for _, s := range specs {
		if s.key != key {
			continue
		}
		if s.secret {
			return fmt.Errorf("%q is not stored in the config file", key)
		}
		return b.Delete(key)
	}
	return fmt.Errorf("unknown config key: %q", key)
}

// ValidKeys returns the list of valid non-secret config key names.
func ValidKeys() []string {
	var keys []string
	for _, s := range specs {
		if !s.secret {
			keys = append(keys, s.key)
		}
	}
	return keys
}
