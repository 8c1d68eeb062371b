// Package config loads homcc client and server configuration from INI files
// and environment variables. Environment variables win over file values,
// which win over the built-in defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	units "github.com/docker/go-units"
	ini "gopkg.in/ini.v1"
)

const (
	// clientSection is the client's INI section name.
	clientSection = "homcc"
	// serverSection is the server's INI section name.
	serverSection = "homccd"
	// configFileName is the file name searched in every location.
	configFileName = "homcc.conf"

	clientEnvPrefix = "HOMCC_"
	serverEnvPrefix = "HOMCCD_"

	dirEnvVar = "HOMCC_DIR"
)

// Client configuration defaults.
const (
	DefaultCompilationRequestTimeout  = 240 * time.Second
	DefaultEstablishConnectionTimeout = 10 * time.Second
	DefaultRemoteCompilationTries     = 3
)

// Server configuration defaults.
const (
	DefaultServerAddress = "0.0.0.0"
	DefaultServerPort    = 3126
	// DefaultMaxCacheSize is the dependency cache byte budget.
	DefaultMaxCacheSize = 10 * units.GiB
)

// DefaultExcludedDependencyPrefixes lists path prefixes assumed present on
// every compilation host; dependencies under them are never transferred.
func DefaultExcludedDependencyPrefixes() []string {
	return []string{"/usr/include", "/usr/lib"}
}

// Client holds the client-side configuration.
type Client struct {
	// Compression is the default codec for outbound messages.
	Compression string
	// SchrootProfile requests a named schroot sandbox on the server.
	SchrootProfile string
	// DockerContainer requests execution in a named container on the
	// server.
	DockerContainer string
	// CompilationRequestTimeout bounds a whole remote exchange.
	CompilationRequestTimeout time.Duration
	// EstablishConnectionTimeout bounds TCP connection establishment.
	EstablishConnectionTimeout time.Duration
	// RemoteCompilationTries is the host selector's try budget.
	RemoteCompilationTries int
	// LogLevel is the diagnostic level name.
	LogLevel string
	// Verbose forces debug logging.
	Verbose bool
	// NoLocalCompilation fails a job instead of falling back locally.
	NoLocalCompilation bool
	// ExcludedDependencyPrefixes overrides the dependency prefixes that
	// are never sent.
	ExcludedDependencyPrefixes []string
}

// Server holds the homccd configuration.
type Server struct {
	// Limit is the maximum number of concurrent compilation jobs; zero
	// derives it from the CPU count.
	Limit int
	// Port is the TCP listen port.
	Port int
	// Address is the listen address.
	Address string
	// LogLevel is the diagnostic level name.
	LogLevel string
	// Verbose forces debug logging.
	Verbose bool
	// MaxDependencyCacheSize is the cache byte budget.
	MaxDependencyCacheSize int64
	// CompilerWrapper is an optional command prefix (e.g. "nice -n 19")
	// prepended to every compiler invocation.
	CompilerWrapper string
	// MetricsAddress enables the prometheus endpoint when non-empty,
	// e.g. "127.0.0.1:9123".
	MetricsAddress string
}

// DefaultLocations returns the config file search order: $HOMCC_DIR,
// ~/.homcc, ~/.config/homcc, /etc/homcc.
func DefaultLocations() []string {
	var locations []string

	if dir := os.Getenv(dirEnvVar); dir != "" {
		locations = append(locations, filepath.Join(dir, configFileName))
	}

	if home, err := os.UserHomeDir(); err == nil {
		locations = append(locations,
			filepath.Join(home, ".homcc", configFileName),
			filepath.Join(home, ".config", "homcc", configFileName),
		)
	}

	return append(locations, filepath.Join("/etc", "homcc", configFileName))
}

// LoadClient loads the client configuration from the first existing
// location and applies HOMCC_* environment overrides.
func LoadClient(locations []string) (Client, error) {
	config := Client{
		CompilationRequestTimeout:  DefaultCompilationRequestTimeout,
		EstablishConnectionTimeout: DefaultEstablishConnectionTimeout,
		RemoteCompilationTries:     DefaultRemoteCompilationTries,
		ExcludedDependencyPrefixes: DefaultExcludedDependencyPrefixes(),
	}

	section, err := loadSection(locations, clientSection)
	if err != nil {
		return Client{}, err
	}

	get := newGetter(section, clientEnvPrefix)

	config.Compression = get.str("compression", config.Compression)
	config.SchrootProfile = get.str("schroot_profile", config.SchrootProfile)
	config.DockerContainer = get.str("docker_container", config.DockerContainer)
	config.LogLevel = get.str("log_level", config.LogLevel)

	if config.CompilationRequestTimeout, err = get.seconds("compilation_request_timeout", config.CompilationRequestTimeout); err != nil {
		return Client{}, err
	}
	if config.EstablishConnectionTimeout, err = get.seconds("establish_connection_timeout", config.EstablishConnectionTimeout); err != nil {
		return Client{}, err
	}
	if config.RemoteCompilationTries, err = get.integer("remote_compilation_tries", config.RemoteCompilationTries); err != nil {
		return Client{}, err
	}
	if config.Verbose, err = get.boolean("verbose", config.Verbose); err != nil {
		return Client{}, err
	}
	if config.NoLocalCompilation, err = get.boolean("no_local_compilation", config.NoLocalCompilation); err != nil {
		return Client{}, err
	}

	if prefixes := get.str("excluded_dependency_prefixes", ""); prefixes != "" {
		config.ExcludedDependencyPrefixes = strings.Split(prefixes, ",")
	}

	return config, nil
}

// LoadServer loads the homccd configuration from the first existing
// location and applies HOMCCD_* environment overrides.
func LoadServer(locations []string) (Server, error) {
	config := Server{
		Address:                DefaultServerAddress,
		Port:                   DefaultServerPort,
		MaxDependencyCacheSize: DefaultMaxCacheSize,
	}

	section, err := loadSection(locations, serverSection)
	if err != nil {
		return Server{}, err
	}

	get := newGetter(section, serverEnvPrefix)

	config.Address = get.str("address", config.Address)
	config.LogLevel = get.str("log_level", config.LogLevel)
	config.CompilerWrapper = get.str("compiler_wrapper", config.CompilerWrapper)
	config.MetricsAddress = get.str("metrics_address", config.MetricsAddress)

	if config.Limit, err = get.integer("limit", config.Limit); err != nil {
		return Server{}, err
	}
	if config.Port, err = get.integer("port", config.Port); err != nil {
		return Server{}, err
	}
	if config.Verbose, err = get.boolean("verbose", config.Verbose); err != nil {
		return Server{}, err
	}

	if size := get.str("max_dependency_cache_size", ""); size != "" {
		parsed, err := units.RAMInBytes(strings.ReplaceAll(size, " ", ""))
		if err != nil {
			return Server{}, fmt.Errorf("invalid max_dependency_cache_size %q: %w", size, err)
		}
		config.MaxDependencyCacheSize = parsed
	}

	return config, nil
}

// loadSection returns the named section of the first existing config file,
// or an empty section when no file exists.
func loadSection(locations []string, name string) (*ini.Section, error) {
	if locations == nil {
		locations = DefaultLocations()
	}

	for _, location := range locations {
		if _, err := os.Stat(location); err != nil {
			continue
		}
		file, err := ini.Load(location)
		if err != nil {
			return nil, fmt.Errorf("unable to parse config file %s: %w", location, err)
		}
		return file.Section(name), nil
	}

	empty := ini.Empty()
	return empty.Section(name), nil
}

// getter resolves a key against the environment first, then the INI
// section.
type getter struct {
	section   *ini.Section
	envPrefix string
}

func newGetter(section *ini.Section, envPrefix string) getter {
	return getter{section: section, envPrefix: envPrefix}
}

func (g getter) raw(key string) (string, bool) {
	if value, ok := os.LookupEnv(g.envPrefix + strings.ToUpper(key)); ok {
		return value, true
	}
	if g.section.HasKey(key) {
		return g.section.Key(key).String(), true
	}
	return "", false
}

func (g getter) str(key, fallback string) string {
	if value, ok := g.raw(key); ok {
		return value
	}
	return fallback
}

func (g getter) integer(key string, fallback int) (int, error) {
	value, ok := g.raw(key)
	if !ok {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return parsed, nil
}

func (g getter) boolean(key string, fallback bool) (bool, error) {
	value, ok := g.raw(key)
	if !ok {
		return fallback, nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return parsed, nil
}

func (g getter) seconds(key string, fallback time.Duration) (time.Duration, error) {
	value, ok := g.raw(key)
	if !ok {
		return fallback, nil
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return time.Duration(parsed * float64(time.Second)), nil
}
