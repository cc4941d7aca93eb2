// Package params serves the runtime parameters of the gateway: topics, sensor
// ports and the sampling rate. Values live in a YAML file and are addressed by
// slash separated names, so
//
//	atlas:
//	  rate: 10
//	  pH:
//	    SEPort: 3
//
// yields "atlas/rate" and "atlas/pH/SEPort". A leading slash in a name is ignored.
package params

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"strings"
	"sync"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// ErrConfigMissing is returned when a parameter is absent or unusable and no
// default can stand in for it.
var ErrConfigMissing = errors.New("config missing")

// Source resolves a parameter, falling back to def when it is not set.
type Source interface {
	Get(name, def string) string
}

// Store is a concurrency safe Source backed by a YAML file.
type Store struct {
	path   string
	logger *slog.Logger

	mu     sync.RWMutex
	values map[string]string
}

// NewStore returns an empty store. Call Load to read path.
func NewStore(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{path: path, logger: logger, values: map[string]string{}}
}

// FromMap builds a store from already flattened values, mostly for tests.
func FromMap(values map[string]string) *Store {
	s := NewStore("", nil)
	for k, v := range values {
		s.values[normalize(k)] = v
	}
	return s
}

// Load reads the backing file. A missing file leaves the store empty unless
// required is set, in which case ErrConfigMissing is returned.
func (s *Store) Load(required bool) error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !required {
			s.logger.Info("params file not found, using defaults", "path", s.path)
			s.replace(map[string]string{})
			return nil
		}
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: params file %s does not exist", ErrConfigMissing, s.path)
		}
		return fmt.Errorf("read params %s: %w", s.path, err)
	}

	values, err := Decode(raw)
	if err != nil {
		return fmt.Errorf("params %s: %w", s.path, err)
	}
	s.replace(values)
	s.logger.Info("params loaded", "path", s.path, "count", len(values))
	return nil
}

// Decode flattens a YAML document into slash separated names.
func Decode(raw []byte) (map[string]string, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	out := make(map[string]string)
	if err := flatten("", doc, out); err != nil {
		return nil, err
	}
	return out, nil
}

func flatten(prefix string, node map[string]any, out map[string]string) error {
	for k, v := range node {
		name := k
		if prefix != "" {
			name = prefix + "/" + k
		}
		name = normalize(name)
		switch t := v.(type) {
		case map[string]any:
			if err := flatten(name, t, out); err != nil {
				return err
			}
		case map[any]any:
			if err := flatten(name, cast.ToStringMap(t), out); err != nil {
				return err
			}
		case nil:
			// an empty value counts as unset
		default:
			s, err := cast.ToStringE(t)
			if err != nil {
				return fmt.Errorf("param %s: %w", name, err)
			}
			out[name] = s
		}
	}
	return nil
}

// Get returns the configured value of name, or def when it is unset.
func (s *Store) Get(name, def string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.values[normalize(name)]; ok {
		return v
	}
	return def
}

// Set overrides a single value until the next reload.
func (s *Store) Set(name, value string) {
	s.mu.Lock()
	s.values[normalize(name)] = value
	s.mu.Unlock()
}

// Path is the backing file.
func (s *Store) Path() string { return s.path }

func (s *Store) replace(values map[string]string) {
	s.mu.Lock()
	s.values = values
	s.mu.Unlock()
}

// PositiveFloat resolves name as a finite number greater than zero.
func PositiveFloat(src Source, name string, def float64) (float64, error) {
	raw := src.Get(name, cast.ToString(def))
	v, err := cast.ToFloat64E(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q is not a number", ErrConfigMissing, name, raw)
	}
	if !(v > 0) || math.IsInf(v, 1) {
		return 0, fmt.Errorf("%w: %s=%v must be positive", ErrConfigMissing, name, v)
	}
	return v, nil
}

// NonEmpty resolves name and rejects a blank result.
func NonEmpty(src Source, name, def string) (string, error) {
	v := strings.TrimSpace(src.Get(name, def))
	if v == "" {
		return "", fmt.Errorf("%w: %s is empty", ErrConfigMissing, name)
	}
	return v, nil
}

func normalize(name string) string {
	return strings.Trim(strings.TrimSpace(name), "/")
}
