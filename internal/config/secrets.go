package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const (
	secretService   = "echoes"
	secretGeminiKey = "gemini_api_key"
	secretAPIToken  = "api_token"
	envAPIToken     = "ECHOES_API_TOKEN"
)

// secretStore abstracts secret lookup for testing.
type secretStore interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

// secretsFile keeps secrets in a 0600 JSON file under the data home, keyed by
// service then account.
type secretsFile struct {
	path string
}

func defaultSecrets() secretsFile {
	return secretsFile{path: secretsFilePath()}
}

func secretsFilePath() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "echoes", "secrets.json")
}

func (f secretsFile) read() (map[string]map[string]string, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, err
	}
	var secrets map[string]map[string]string
	if err := json.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("parsing secrets file: %w", err)
	}
	return secrets, nil
}

func (f secretsFile) Get(service, account string) (string, error) {
	secrets, err := f.read()
	if err != nil {
		return "", fmt.Errorf("secrets not available: %w", err)
	}
	val, ok := secrets[service][account]
	if !ok {
		return "", fmt.Errorf("account %q not found in service %q", account, service)
	}
	return strings.TrimSpace(val), nil
}

func (f secretsFile) Set(service, account, value string) error {
	secrets, _ := f.read()
	if secrets == nil {
		secrets = make(map[string]map[string]string)
	}
	if secrets[service] == nil {
		secrets[service] = make(map[string]string)
	}
	secrets[service][account] = value

	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	out, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(f.path, out, 0o600)
}

// SetAPIKey stores the Gemini API key in the secrets file.
func SetAPIKey(key string) error {
	return defaultSecrets().Set(secretService, secretGeminiKey, key)
}

// GetAPIToken returns the bearer token protecting the HTTP API: the
// ECHOES_API_TOKEN environment variable, else the stored token.
func GetAPIToken() (string, error) {
	return getAPIToken(defaultSecrets())
}

// EnsureAPIToken returns the API token, generating and storing one on first use.
func EnsureAPIToken() (string, error) {
	return ensureAPIToken(defaultSecrets())
}

func getAPIToken(s secretStore) (string, error) {
	if tok := os.Getenv(envAPIToken); tok != "" {
		return tok, nil
	}
	return s.Get(secretService, secretAPIToken)
}

func ensureAPIToken(s secretStore) (string, error) {
	if tok, err := getAPIToken(s); err == nil && tok != "" {
		return tok, nil
	}
	tok := strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
	if err := s.Set(secretService, secretAPIToken, tok); err != nil {
		return "", fmt.Errorf("storing API token: %w", err)
	}
	return tok, nil
}
