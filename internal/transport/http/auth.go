package resthttp

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"ordo/internal/logger"
)

// APIKey is one entry of the key registry. An empty Strategies list grants
// access to every strategy topic.
type APIKey struct {
	Secret     string   `mapstructure:"secret" yaml:"secret"`
	Strategies []string `mapstructure:"strategies" yaml:"strategies"`
	Disabled   bool     `mapstructure:"disabled" yaml:"disabled"`
}

type keysFile struct {
	Keys map[string]APIKey `mapstructure:"keys" yaml:"keys"`
}

// KeyRegistry loads API keys from a YAML file and reloads them on change, so
// keys can be rotated without restarting the engine.
type KeyRegistry struct {
	path string
	v    *viper.Viper

	mu   sync.RWMutex
	keys map[string]APIKey
}

func NewKeyRegistry(path string) (*KeyRegistry, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("key registry requires path")
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read key registry failed: %w", err)
	}
	r := &KeyRegistry{path: path, v: v}
	if err := r.reload(); err != nil {
		return nil, err
	}
	v.OnConfigChange(func(evt fsnotify.Event) {
		if err := r.reload(); err != nil {
			logger.Errorf("key registry reload failed: %v", err)
		}
	})
	v.WatchConfig()
	return r, nil
}

// newStaticRegistry bypasses the file watcher for tests.
func newStaticRegistry(keys map[string]APIKey) *KeyRegistry {
	return &KeyRegistry{keys: keys}
}

func (r *KeyRegistry) reload() error {
	raw, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("read key registry failed: %w", err)
	}
	var cfg keysFile
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return fmt.Errorf("parse key registry failed: %w", err)
	}
	keys := make(map[string]APIKey, len(cfg.Keys))
	for id, k := range cfg.Keys {
		id = strings.TrimSpace(id)
		if id == "" || strings.TrimSpace(k.Secret) == "" {
			continue
		}
		keys[id] = k
	}
	r.mu.Lock()
	r.keys = keys
	r.mu.Unlock()
	logger.Infof("key registry loaded %d keys from %s", len(keys), filepath.Base(r.path))
	return nil
}

// Lookup returns the key for id. Disabled keys are invisible.
func (r *KeyRegistry) Lookup(id string) (APIKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.keys[id]
	if !ok || k.Disabled {
		return APIKey{}, false
	}
	return k, true
}

// Verify checks an HMAC-SHA256 hex signature over payload with the secret of
// keyID, in constant time.
func (r *KeyRegistry) Verify(keyID, payload, signature string) bool {
	k, ok := r.Lookup(keyID)
	if !ok {
		return false
	}
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(k.Secret))
	mac.Write([]byte(payload))
	return hmac.Equal(mac.Sum(nil), want)
}

// Sign computes the hex HMAC-SHA256 of payload. Exported so clients and
// tests build signatures the same way the middleware checks them.
func Sign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// allowsStrategy reports whether the key may act on strategyID. Keys without
// a strategy list are unrestricted.
func (k APIKey) allowsStrategy(strategyID string) bool {
	if len(k.Strategies) == 0 {
		return true
	}
	for _, s := range k.Strategies {
		if s == strategyID {
			return true
		}
	}
	return false
}
