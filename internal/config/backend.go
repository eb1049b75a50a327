package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
)

// ConfigBackend is where `echoes config set` persists values between runs.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	Delete(key string) error
}

// defaultDataDir holds the archive database and the server pidfile.
func defaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "echoes")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "echoes")
	}
	return "echoes-data"
}

func configFilePath() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "echoes", "config.json")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "echoes", "config.json")
	}
	return filepath.Join("echoes", "config.json")
}

func newPlatformBackend() ConfigBackend {
	return newFileBackend(configFilePath())
}

// fileBackend keeps settings as one flat JSON object keyed by dotted names,
// e.g. {"history.capacity": 50, "pipeline.aspect_ratio": "3:4"}.
// A running server and a CLI invocation may both touch the file, so writes
// replace it atomically.
type fileBackend struct {
	path string
	data map[string]any
}

func newFileBackend(path string) *fileBackend {
	b := &fileBackend{path: path, data: make(map[string]any)}
	b.load()
	return b
}

// load falls back to defaults on a missing or unreadable file. Load runs
// before the logger is configured, so warnings go to the default logger.
func (b *fileBackend) load() {
	raw, err := os.ReadFile(b.path)
	if errors.Is(err, fs.ErrNotExist) {
		return
	}
	if err != nil {
		slog.Warn("config file unreadable, using defaults", "path", b.path, "error", err)
		return
	}
	if err := json.Unmarshal(raw, &b.data); err != nil {
		slog.Warn("config file is not valid JSON, using defaults", "path", b.path, "error", err)
		b.data = make(map[string]any)
	}
}

func (b *fileBackend) save() error {
	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	raw, err := json.MarshalIndent(b.data, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".config-*.json")
	if err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(append(raw, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("writing config: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("writing config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	if err := os.Rename(tmp.Name(), b.path); err != nil {
		return fmt.Errorf("replacing config: %w", err)
	}
	return nil
}

// GetString renders non-string JSON values (numbers, booleans) as text so
// the key table can parse them by type.
func (b *fileBackend) GetString(key string) (string, bool, error) {
	v, ok := b.data[key]
	if !ok || v == nil {
		return "", false, nil
	}
	switch val := v.(type) {
	case string:
		return val, true, nil
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true, nil
	default:
		return fmt.Sprint(val), true, nil
	}
}

// GetInt accepts whole JSON numbers and numeric strings, and values written
// by SetInt in this process.
func (b *fileBackend) GetInt(key string) (int, bool, error) {
	v, ok := b.data[key]
	if !ok || v == nil {
		return 0, false, nil
	}
	switch val := v.(type) {
	case int:
		return val, true, nil
	case float64:
		if val != math.Trunc(val) || val < math.MinInt || val > math.MaxInt {
			return 0, true, fmt.Errorf("%s: %v is not a whole number", key, val)
		}
		return int(val), true, nil
	case string:
		i, err := strconv.Atoi(val)
		if err != nil {
			return 0, true, fmt.Errorf("%s: %w", key, err)
		}
		return i, true, nil
	default:
		return 0, true, fmt.Errorf("%s: expected a number, got %T", key, v)
	}
}

func (b *fileBackend) SetString(key, val string) error {
	b.data[key] = val
	return b.save()
}

func (b *fileBackend) SetInt(key string, val int) error {
	b.data[key] = val
	return b.save()
}

// Delete drops key so its default applies again.
func (b *fileBackend) Delete(key string) error {
	if _, ok := b.data[key]; !ok {
		return nil
	}
	delete(b.data, key)
	return b.save()
}
