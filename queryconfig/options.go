package queryconfig

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Documented defaults for every tunable.
const (
	DefaultCacheTime       = 7 * 24 * time.Hour
	DefaultStaleTime       = 2 * time.Minute
	DefaultMaxRetries      = 3
	DefaultRetryDelay      = 5 * time.Second
	StaleTimeWarnThreshold = 5 * time.Second
)

// Options is the engine's closed configuration set. Fields here hold
// only the static/file-loadable half of the options; function-valued
// options (fetcher, transform, reactive params, callbacks) are supplied
// programmatically via query.Config, not through this file-loaded
// struct.
type Options struct {
	CacheTime                Duration `yaml:"cacheTime"`
	StaleTime                Duration `yaml:"staleTime"`
	MaxRetries               int      `yaml:"maxRetries"`
	RetryDelay               Duration `yaml:"retryDelay"`
	AbortInterruptedFetches  bool     `yaml:"abortInterruptedFetches"`
	DisableAutoRefetching    bool     `yaml:"disableAutoRefetching"`
	DisableCache             bool     `yaml:"disableCache"`
	KeepPreviousData         bool     `yaml:"keepPreviousData"`
	SuppressStaleTimeWarning bool     `yaml:"suppressStaleTimeWarning"`
	DebugMode                bool     `yaml:"debugMode"`
	MaxCacheEntries          int      `yaml:"maxCacheEntries"`
}

// Defaults returns the documented default configuration.
// AbortInterruptedFetches defaults true; every other boolean defaults
// false.
func Defaults() Options {
	return Options{
		CacheTime:               Duration(DefaultCacheTime),
		StaleTime:               Duration(DefaultStaleTime),
		MaxRetries:              DefaultMaxRetries,
		RetryDelay:              Duration(DefaultRetryDelay),
		AbortInterruptedFetches: true,
	}
}

// Load reads a YAML file at path into a copy of Defaults(), so any key
// the file omits keeps its documented default.
func Load(path string) (Options, error) {
	opts := Defaults()
	b, err := os.ReadFile(path)
	if err != nil {
		return opts, fmt.Errorf("queryconfig: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &opts); err != nil {
		return opts, fmt.Errorf("queryconfig: parse %s: %w", path, err)
	}
	if err := opts.Validate(); err != nil {
		return opts, err
	}
	return opts, nil
}

// Validate checks invariants Load and direct construction both must
// honor: positive cacheTime/staleTime/retryDelay, non-negative
// maxRetries.
func (o Options) Validate() error {
	if o.CacheTime.Std() <= 0 {
		return fmt.Errorf("queryconfig: cacheTime must be positive, got %v", o.CacheTime.Std())
	}
	if o.StaleTime.Std() <= 0 {
		return fmt.Errorf("queryconfig: staleTime must be positive, got %v", o.StaleTime.Std())
	}
	if o.RetryDelay.Std() <= 0 {
		return fmt.Errorf("queryconfig: retryDelay must be positive, got %v", o.RetryDelay.Std())
	}
	if o.MaxRetries < 0 {
		return fmt.Errorf("queryconfig: maxRetries must be >= 0, got %d", o.MaxRetries)
	}
	return nil
}

// StaleTimeTooLow reports whether StaleTime is below the warn threshold
// and the warning has not been explicitly suppressed.
func (o Options) StaleTimeTooLow() bool {
	return !o.SuppressStaleTimeWarning && o.StaleTime.Std() > 0 && o.StaleTime.Std() < StaleTimeWarnThreshold
}
