// Package cfgstore is the flat key/value configuration consulted by
// sessions, strategies and plugins, and read or written at runtime through
// QUERY and INFORM.
package cfgstore

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// DefaultEnvPrefix prefixes environment overrides (HARMONY_PREFETCH_COUNT).
const DefaultEnvPrefix = "HARMONY"

// maxKeyLen matches the wire string cap.
const maxKeyLen = 4096

var (
	// ErrNotFound reports a key with no value in any layer.
	ErrNotFound = errors.New("cfgstore: key not found")
	// ErrInvalidKey reports a key that violates the key syntax.
	ErrInvalidKey = errors.New("cfgstore: invalid key")
)

var keyPattern = regexp.MustCompile(`^[a-z0-9_][a-z0-9_.\-]*$`)

// Store layers compiled-in defaults, a loaded file, environment overrides
// and runtime writes. A child store shadows its parent: lookups that miss
// the child fall through.
type Store struct {
	mu     sync.RWMutex
	v      *viper.Viper
	parent *Store
}

// Options configures a root store.
type Options struct {
	// Defaults are the compiled-in values.
	Defaults map[string]string
	// EnvPrefix enables environment overrides; empty disables them.
	EnvPrefix string
}

// New returns a root store.
func New(opts Options) *Store {
	v := viper.NewWithOptions(
		viper.KeyDelimiter("::"),
		viper.EnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_")),
	)
	if opts.EnvPrefix != "" {
		v.SetEnvPrefix(opts.EnvPrefix)
		v.AutomaticEnv()
	}
	for k, val := range opts.Defaults {
		v.SetDefault(Normalize(k), val)
	}
	return &Store{v: v}
}

// Child returns an empty store layered over s.
func (s *Store) Child() *Store {
	return &Store{v: viper.NewWithOptions(viper.KeyDelimiter("::")), parent: s}
}

// Normalize lowercases and trims a key.
func Normalize(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// ValidateKey checks key syntax after normalization.
func ValidateKey(key string) error {
	key = Normalize(key)
	if key == "" || len(key) > maxKeyLen || !keyPattern.MatchString(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// Get returns the value for key, consulting parents on a miss.
func (s *Store) Get(key string) (string, error) {
	key = Normalize(key)
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	for cur := s; cur != nil; cur = cur.parent {
		if val, ok := cur.lookup(key); ok {
			return val, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, key)
}

// Lookup is Get without the error detail.
func (s *Store) Lookup(key string) (string, bool) {
	val, err := s.Get(key)
	return val, err == nil
}

func (s *Store) lookup(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.v.IsSet(key) {
		return "", false
	}
	return s.v.GetString(key), true
}

// Set writes key in this layer and returns the value previously visible
// through s (empty when the key was unset).
func (s *Store) Set(key, value string) (string, error) {
	key = Normalize(key)
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	prev, _ := s.Lookup(key)
	s.mu.Lock()
	s.v.Set(key, value)
	s.mu.Unlock()
	return prev, nil
}

// Merge loads pairs into the file layer, below environment overrides and
// runtime writes.
func (s *Store) Merge(pairs map[string]string) error {
	layer := make(map[string]any, len(pairs))
	for k, val := range pairs {
		k = Normalize(k)
		if err := ValidateKey(k); err != nil {
			return err
		}
		layer[k] = val
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.v.MergeConfigMap(layer)
}

// Keys lists every key visible through s, sorted.
func (s *Store) Keys() []string {
	seen := make(map[string]struct{})
	for cur := s; cur != nil; cur = cur.parent {
		cur.mu.RLock()
		for _, k := range cur.v.AllKeys() {
			seen[k] = struct{}{}
		}
		cur.mu.RUnlock()
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Snapshot returns every visible key with its effective value.
func (s *Store) Snapshot() map[string]string {
	out := make(map[string]string)
	for _, k := range s.Keys() {
		if val, ok := s.Lookup(k); ok {
			out[k] = val
		}
	}
	return out
}

// String returns key or def when unset.
func (s *Store) String(key, def string) string {
	if val, ok := s.Lookup(key); ok {
		return val
	}
	return def
}

// Int returns key as an int, or def when unset or unparsable.
func (s *Store) Int(key string, def int) int {
	val, ok := s.Lookup(key)
	if !ok {
		return def
	}
	n, err := cast.ToIntE(strings.TrimSpace(val))
	if err != nil {
		return def
	}
	return n
}

// Int64 returns key as an int64, or def when unset or unparsable.
func (s *Store) Int64(key string, def int64) int64 {
	val, ok := s.Lookup(key)
	if !ok {
		return def
	}
	n, err := cast.ToInt64E(strings.TrimSpace(val))
	if err != nil {
		return def
	}
	return n
}

// Float returns key as a float64, or def when unset or unparsable.
func (s *Store) Float(key string, def float64) float64 {
	val, ok := s.Lookup(key)
	if !ok {
		return def
	}
	f, err := cast.ToFloat64E(strings.TrimSpace(val))
	if err != nil {
		return def
	}
	return f
}

// Bool returns key as a bool, or def when unset or unparsable.
func (s *Store) Bool(key string, def bool) bool {
	val, ok := s.Lookup(key)
	if !ok {
		return def
	}
	b, err := cast.ToBoolE(strings.TrimSpace(val))
	if err != nil {
		return def
	}
	return b
}

// Duration returns key as a duration, or def when unset or unparsable.
func (s *Store) Duration(key string, def time.Duration) time.Duration {
	val, ok := s.Lookup(key)
	if !ok {
		return def
	}
	d, err := cast.ToDurationE(strings.TrimSpace(val))
	if err != nil {
		return def
	}
	return d
}

// List splits a colon or comma separated value.
func (s *Store) List(key string) []string {
	val, ok := s.Lookup(key)
	if !ok {
		return nil
	}
	fields := strings.FieldsFunc(val, func(r rune) bool { return r == ':' || r == ',' })
	out := fields[:0]
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
