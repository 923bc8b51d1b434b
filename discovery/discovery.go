// Package discovery looks up default tracking store connection settings.
//
// Discovery is best-effort: a missing or unreadable group file and unset
// environment variables simply yield fewer defaults. Nothing here fails.
package discovery

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/dhcgn/trackex/store"
)

// Environment variables consulted after the group file.
const (
	EnvGroupFile    = "TRACKEX_GROUP_FILE"
	EnvMgmtHost     = "TRACKEX_MGMT_HOST"
	EnvMgmtDB       = "TRACKEX_MGMT_DB"
	EnvTrackingHost = "TRACKEX_DTA_HOST"
	EnvTrackingDB   = "TRACKEX_DTA_DB"
)

// groupFile mirrors the group settings file.
type groupFile struct {
	Management struct {
		Host     string `yaml:"host"`
		Database string `yaml:"database"`
	} `yaml:"management"`
	Tracking struct {
		Host     string `yaml:"host"`
		Database string `yaml:"database"`
	} `yaml:"tracking"`
}

// Source supplies the inputs of a discovery run. The zero value reads the
// real environment and file system.
type Source struct {
	Getenv   func(string) string
	ReadFile func(string) ([]byte, error)
	Home     func() (string, error)
}

// Discover returns whatever defaults can be found.
func Discover(logger *slog.Logger) store.Settings {
	return Source{}.Discover(logger)
}

func (s Source) Discover(logger *slog.Logger) store.Settings {
	getenv, readFile, home := s.Getenv, s.ReadFile, s.Home
	if getenv == nil {
		getenv = os.Getenv
	}
	if readFile == nil {
		readFile = os.ReadFile
	}
	if home == nil {
		home = os.UserHomeDir
	}

	var found store.Settings
	for _, path := range candidatePaths(getenv, home) {
		data, err := readFile(filepath.Clean(path))
		if err != nil {
			continue
		}
		var group groupFile
		if err := yaml.Unmarshal(data, &group); err != nil {
			if logger != nil {
				logger.Debug("ignoring unreadable group file", "path", path, "err", err)
			}
			continue
		}
		found = store.Settings{
			MgmtHost:     group.Management.Host,
			MgmtDB:       group.Management.Database,
			TrackingHost: group.Tracking.Host,
			TrackingDB:   group.Tracking.Database,
		}
		if logger != nil {
			logger.Debug("group settings discovered", "path", path)
		}
		break
	}

	override(&found.MgmtHost, getenv(EnvMgmtHost))
	override(&found.MgmtDB, getenv(EnvMgmtDB))
	override(&found.TrackingHost, getenv(EnvTrackingHost))
	override(&found.TrackingDB, getenv(EnvTrackingDB))
	return found
}

func candidatePaths(getenv func(string) string, home func() (string, error)) []string {
	var paths []string
	if p := strings.TrimSpace(getenv(EnvGroupFile)); p != "" {
		paths = append(paths, p)
	}
	paths = append(paths, "./trackex.yaml")
	if dir, err := home(); err == nil && dir != "" {
		paths = append(paths, filepath.Join(dir, ".trackex", "group.yaml"))
	}
	return append(paths, "/etc/trackex/group.yaml")
}

func override(dst *string, value string) {
	if value = strings.TrimSpace(value); value != "" {
		*dst = value
	}
}
