package host

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// hostsEnvVar provides the hosts as a multi-line string, taking
	// precedence over all hosts files.
	hostsEnvVar = "HOMCC_HOSTS"
	// dirEnvVar relocates the homcc configuration directory.
	dirEnvVar = "HOMCC_DIR"
	// hostsFileName is the file name searched in every location.
	hostsFileName = "hosts"
)

// ErrNoHosts indicates that no hosts were configured anywhere.
var ErrNoHosts = errors.New("no compilation hosts configured")

// DefaultLocations returns the hosts file search order: $HOMCC_DIR/hosts,
// ~/.homcc/hosts, ~/.config/homcc/hosts, /etc/homcc/hosts.
func DefaultLocations() []string {
	var locations []string

	if dir := os.Getenv(dirEnvVar); dir != "" {
		locations = append(locations, filepath.Join(dir, hostsFileName))
	}

	if home, err := os.UserHomeDir(); err == nil {
		locations = append(locations,
			filepath.Join(home, ".homcc", hostsFileName),
			filepath.Join(home, ".config", "homcc", hostsFileName),
		)
	}

	return append(locations, filepath.Join("/etc", "homcc", hostsFileName))
}

// LoadLines returns the raw configured host lines from $HOMCC_HOSTS or the
// first existing location; blank lines and #-comment lines are dropped.
func LoadLines(locations []string) ([]string, error) {
	if env, ok := os.LookupEnv(hostsEnvVar); ok {
		return filterLines(env)
	}

	if locations == nil {
		locations = DefaultLocations()
	}

	for _, location := range locations {
		content, err := os.ReadFile(location)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("unable to read hosts file %s: %w", location, err)
		}
		return filterLines(string(content))
	}

	return nil, ErrNoHosts
}

// Load parses the configured hosts, one per line.
func Load(locations []string) ([]Host, error) {
	lines, err := LoadLines(locations)
	if err != nil {
		return nil, err
	}

	hosts := make([]Host, 0, len(lines))
	for _, line := range lines {
		parsed, err := Parse(line)
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, parsed)
	}
	return hosts, nil
}

func filterLines(content string) ([]string, error) {
	var lines []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}

	if len(lines) == 0 {
		return nil, ErrNoHosts
	}
	return lines, nil
}
