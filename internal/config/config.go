// Package config loads the engine's runtime configuration: the timing
// parameters of spec §5, the per-backend session limit, and the set of
// backend profiles read from a Carbon-Black-style credentials file.
//
// Configuration can be provided via flags, environment variables, or (for
// the credentials file) an INI-format file on disk, following the same
// flag/env layering the teacher's agent config uses.
package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	leeterrors "github.com/jldantas/leet/internal/errors"
)

// Default timing values, spec §5.
const (
	DefaultSearchTimeout = 30 * time.Second
	DefaultPollInterval  = 20 * time.Second
	DefaultJobExpiry     = 3 * 24 * time.Hour
	DefaultMaxSessions   = 7
)

// EngineConfig holds the timing and concurrency knobs that govern the
// coordinator and its backends.
type EngineConfig struct {
	// SearchTimeout bounds how long a SearchRequest waits for every
	// configured backend to report before it is forced ready.
	SearchTimeout time.Duration

	// PollInterval is the delay between online-probe re-arms for a job
	// whose machine is not yet reachable.
	PollInterval time.Duration

	// JobExpiry is how long a job may sit waiting for its machine to come
	// online before it is given up as Error/timeout.
	JobExpiry time.Duration

	// MaxSessions is the per-backend concurrent session limit. It is
	// applied to every backend alike; BackendProfile settings do not
	// override it.
	MaxSessions int

	// ConflictResolution selects how the coordinator handles a hostname
	// reported by more than one backend. When true (the default),
	// backend.ResolveConflicts picks the most-recent checkin. When
	// false, conflicted hostnames fail straight to Error instead
	// (spec scenario 3's selectable conflict-resolution mode).
	ConflictResolution bool
}

// DefaultEngineConfig returns the spec-mandated defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		SearchTimeout:      DefaultSearchTimeout,
		PollInterval:       DefaultPollInterval,
		JobExpiry:          DefaultJobExpiry,
		MaxSessions:        DefaultMaxSessions,
		ConflictResolution: true,
	}
}

// LoadEngineConfigFromEnv overlays, in order, an optional YAML config
// file named by LEET_CONFIG_FILE and then individual environment
// variables on top of the defaults. It never fails: malformed values
// or a missing/unreadable file are ignored and the prior value is
// kept, mirroring the teacher's getEnvOrDefault/getEnvIntOrDefault
// helpers.
func LoadEngineConfigFromEnv() EngineConfig {
	cfg := DefaultEngineConfig()

	if path := os.Getenv("LEET_CONFIG_FILE"); path != "" {
		if loaded, err := LoadEngineConfigFromFile(path, cfg); err == nil {
			cfg = loaded
		}
	}

	cfg.SearchTimeout = getEnvDurationOrDefault("LEET_SEARCH_TIMEOUT", cfg.SearchTimeout)
	cfg.PollInterval = getEnvDurationOrDefault("LEET_POLL_INTERVAL", cfg.PollInterval)
	cfg.JobExpiry = getEnvDurationOrDefault("LEET_JOB_EXPIRY", cfg.JobExpiry)
	cfg.MaxSessions = getEnvIntOrDefault("LEET_MAX_SESSIONS", cfg.MaxSessions)
	cfg.ConflictResolution = getEnvBoolOrDefault("LEET_CONFLICT_RESOLUTION", cfg.ConflictResolution)

	return cfg
}

// engineConfigFile is the YAML shape accepted by LoadEngineConfigFromFile.
// Durations are plain strings ("30s", "45") so the file can be hand-
// edited the same way the env vars are.
type engineConfigFile struct {
	SearchTimeout      string `yaml:"search_timeout"`
	PollInterval       string `yaml:"poll_interval"`
	JobExpiry          string `yaml:"job_expiry"`
	MaxSessions        *int   `yaml:"max_sessions"`
	ConflictResolution *bool  `yaml:"conflict_resolution"`
}

// LoadEngineConfigFromFile reads a YAML engine config file at path and
// overlays it on top of cfg, returning the result. Fields absent from
// the file leave cfg's value untouched. This is the static alternative
// to per-field environment variables for deployments that prefer a
// single checked-in file over an env-var matrix.
func LoadEngineConfigFromFile(path string, cfg EngineConfig) (EngineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	var file engineConfigFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return cfg, fmt.Errorf("parsing engine config file %s: %w", path, err)
	}

	cfg.SearchTimeout = parseDurationOrKeep(file.SearchTimeout, cfg.SearchTimeout)
	cfg.PollInterval = parseDurationOrKeep(file.PollInterval, cfg.PollInterval)
	cfg.JobExpiry = parseDurationOrKeep(file.JobExpiry, cfg.JobExpiry)
	if file.MaxSessions != nil {
		cfg.MaxSessions = *file.MaxSessions
	}
	if file.ConflictResolution != nil {
		cfg.ConflictResolution = *file.ConflictResolution
	}
	return cfg, nil
}

// parseDurationOrKeep parses value the same way getEnvDurationOrDefault
// does (Go duration string or bare integer seconds), keeping fallback
// when value is empty or unparseable.
func parseDurationOrKeep(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return fallback
}

// getEnvDurationOrDefault returns the environment variable value parsed as
// a duration, or the default value. Accepts both Go duration strings
// ("30s") and bare integer seconds ("30").
func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// Validate checks that the engine configuration is usable, filling in
// defaults for anything left at its zero value.
func (c *EngineConfig) Validate() error {
	if c.SearchTimeout <= 0 {
		c.SearchTimeout = DefaultSearchTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.JobExpiry <= 0 {
		c.JobExpiry = DefaultJobExpiry
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = DefaultMaxSessions
	}
	return nil
}

// BackendProfile is one named backend instance as read from the
// credentials file: a section name plus its key/value pairs. Concrete
// backend adapters interpret the keys they need (url, token, docker host,
// websocket endpoint, ...).
type BackendProfile struct {
	Name     string
	Settings map[string]string
}

// CredentialsFilePaths returns the two locations the credentials file is
// looked for, in search order, matching spec §6.
func CredentialsFilePaths() []string {
	paths := []string{filepath.Join(".", ".carbonblack", "credentials.response")}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".carbonblack", "credentials.response"))
	}
	return paths
}

// LoadProfiles reads the INI-format credentials file and returns every
// non-default section as a BackendProfile. No INI-parsing library exists
// anywhere in the example pack for this narrow, stable grammar, so this
// is a small hand-rolled scanner (see DESIGN.md).
func LoadProfiles() ([]BackendProfile, error) {
	var lastErr error
	for _, path := range CredentialsFilePaths() {
		profiles, err := loadProfilesFromFile(path)
		if err == nil {
			return profiles, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %v", leeterrors.ErrInvalidCredentials, lastErr)
}

func loadProfilesFromFile(path string) ([]BackendProfile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var profiles []BackendProfile
	var current *BackendProfile

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			name := strings.TrimSpace(line[1 : len(line)-1])
			if strings.EqualFold(name, "default") {
				current = nil
				continue
			}
			profiles = append(profiles, BackendProfile{Name: name, Settings: map[string]string{}})
			current = &profiles[len(profiles)-1]
			continue
		}
		if current == nil {
			// Outside of any named section (or inside [default]); ignored.
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		current.Settings[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return profiles, nil
}

// ResolveProfileNames expands the literal "all" into every profile found
// in the credentials file; otherwise it validates that every requested
// name exists among the available profiles.
func ResolveProfileNames(requested []string, available []BackendProfile) ([]string, error) {
	if len(available) == 0 {
		return nil, leeterrors.ErrMissingBackendProfiles
	}

	for _, name := range requested {
		if strings.EqualFold(name, "all") {
			names := make([]string, 0, len(available))
			for _, p := range available {
				names = append(names, p.Name)
			}
			return names, nil
		}
	}

	byName := make(map[string]bool, len(available))
	for _, p := range available {
		byName[p.Name] = true
	}
	for _, name := range requested {
		if !byName[name] {
			return nil, fmt.Errorf("%w: %s", leeterrors.ErrUnknownProfile, name)
		}
	}
	return requested, nil
}
