package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

var (
	// ErrNoAPIKey is returned when no API key is configured.
	ErrNoAPIKey = errors.New("no Anthropic API key configured")
	// ErrMalformedAPIKey matches keys that cannot be Anthropic API keys.
	ErrMalformedAPIKey = errors.New("malformed Anthropic API key")
)

// apiKeyEnv lists the variables that carry the key, highest precedence
// first.
var apiKeyEnv = []string{"RALPH_API_KEY", "ANTHROPIC_API_KEY"}

// KeySource represents where an API key was loaded from.
type KeySource string

const (
	KeySourceEnv    KeySource = "environment"
	KeySourceConfig KeySource = "config_file"
	KeySourceNone   KeySource = "none"
)

// APIKey is a resolved key and where it was found.
type APIKey struct {
	Value  string
	Source KeySource
}

// ResolveAPIKey finds the key for the api backend. The environment wins
// over the config file; a ${VAR} reference to an unset variable counts as
// no key.
func ResolveAPIKey(cfg *Config) APIKey {
	for _, name := range apiKeyEnv {
		if v := os.Getenv(name); v != "" {
			return APIKey{Value: v, Source: KeySourceEnv}
		}
	}
	if cfg != nil {
		if v := os.ExpandEnv(cfg.API.Key); v != "" {
			return APIKey{Value: v, Source: KeySourceConfig}
		}
	}
	return APIKey{Source: KeySourceNone}
}

// GetAPIKey returns the resolved key or ErrNoAPIKey.
func GetAPIKey(cfg *Config) (string, error) {
	k := ResolveAPIKey(cfg)
	if k.Source == KeySourceNone {
		return "", ErrNoAPIKey
	}
	return k.Value, nil
}

// CheckAPIKey rejects values that are plainly not an Anthropic key, such
// as one pasted with quotes or cut short. The API is not contacted.
func CheckAPIKey(key string) error {
	switch {
	case key == "":
		return ErrNoAPIKey
	case strings.ContainsAny(key, " \t\r\n\"'"):
		return fmt.Errorf("%w: contains whitespace or quotes", ErrMalformedAPIKey)
	case !strings.HasPrefix(key, "sk-ant-"):
		return fmt.Errorf("%w: expected an sk-ant- prefix", ErrMalformedAPIKey)
	case len(key) < 20:
		return fmt.Errorf("%w: only %d characters", ErrMalformedAPIKey, len(key))
	}
	return nil
}

// MaskAPIKey keeps the sk-ant- prefix and the last four characters.
func MaskAPIKey(key string) string {
	switch {
	case key == "":
		return "(not set)"
	case len(key) <= 15:
		return "***"
	}
	return key[:7] + "..." + key[len(key)-4:]
}
