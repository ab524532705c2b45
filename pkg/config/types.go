package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/epm/pkg/telemetry"
)

// Config is the epm configuration file.
type Config struct {
	// DataDir holds the installed package database and channel state.
	DataDir string `yaml:"data_dir" json:"data_dir" validate:"required"`

	// CacheDir holds downloaded artifacts and channel indexes.
	CacheDir string `yaml:"cache_dir" json:"cache_dir" validate:"required"`

	// Root is the install root of the archive backend.
	Root string `yaml:"root" json:"root" validate:"required"`

	// Architecture is the machine architecture packages must match.
	Architecture string `yaml:"architecture" json:"architecture"`

	Lock      LockConfig       `yaml:"lock" json:"lock"`
	Fetch     FetchConfig      `yaml:"fetch" json:"fetch"`
	Backends  BackendsConfig   `yaml:"backends" json:"backends"`
	Channels  []ChannelConfig  `yaml:"channels" json:"channels,omitempty" validate:"dive"`
	Guard     GuardConfig      `yaml:"guard" json:"guard"`
	Ranking   RankingConfig    `yaml:"ranking" json:"ranking"`
	Telemetry telemetry.Config `yaml:"telemetry" json:"-"`

	// Source is the file the configuration was read from, empty for defaults.
	Source string `yaml:"-" json:"-"`
}

// LockConfig configures path locking.
type LockConfig struct {
	// Force turns lock contention and lock failures into warnings.
	Force bool `yaml:"force" json:"force"`

	// Sentinel locks directories through a .lck file inside them. Nil keeps
	// the platform default.
	Sentinel *bool `yaml:"sentinel" json:"sentinel,omitempty"`
}

// FetchConfig configures artifact downloads.
type FetchConfig struct {
	Concurrency int           `yaml:"concurrency" json:"concurrency" validate:"gte=1,lte=64"`
	Timeout     time.Duration `yaml:"timeout" json:"-" validate:"gte=0"`
	SFTP        SFTPConfig    `yaml:"sftp" json:"sftp"`
}

// SFTPConfig configures the sftp:// scheme.
type SFTPConfig struct {
	User                  string `yaml:"user" json:"user,omitempty"`
	KeyFile               string `yaml:"key_file" json:"key_file,omitempty"`
	KnownHosts            string `yaml:"known_hosts" json:"known_hosts,omitempty"`
	InsecureIgnoreHostKey bool   `yaml:"insecure_ignore_host_key" json:"insecure_ignore_host_key"`
}

// BackendsConfig configures the package backends.
type BackendsConfig struct {
	// Priority orders backend kinds for commit, first is committed first.
	Priority []string `yaml:"priority" json:"priority,omitempty" validate:"dive,oneof=archive deb rpm"`

	Native NativeConfig `yaml:"native" json:"native"`
}

// NativeConfig configures the dpkg and rpm backends.
type NativeConfig struct {
	// Enabled registers the deb and rpm backends.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// UseSudo runs dpkg and rpm through sudo.
	UseSudo bool `yaml:"use_sudo" json:"use_sudo"`
}

// Channel types.
const (
	ChannelYAMLIndex = "yaml-index"
	ChannelFile      = "file"
	ChannelInstalled = "installed"
)

// ChannelConfig declares one package channel.
type ChannelConfig struct {
	Name     string `yaml:"name" json:"name" validate:"required,hostname_rfc1123"`
	Type     string `yaml:"type" json:"type" validate:"required,oneof=yaml-index file installed"`
	URL      string `yaml:"url" json:"url,omitempty" validate:"required_unless=Type installed"`
	Priority int    `yaml:"priority" json:"priority"`
	Disabled bool   `yaml:"disabled" json:"disabled"`
}

// GuardConfig configures change set rules.
type GuardConfig struct {
	// RulesDir holds additional .rego rule files.
	RulesDir string `yaml:"rules_dir" json:"rules_dir,omitempty"`

	// Protected packages may never be removed.
	Protected []string `yaml:"protected" json:"protected,omitempty"`

	// AllowDowngrade turns downgrade denials into warnings.
	AllowDowngrade bool `yaml:"allow_downgrade" json:"allow_downgrade"`

	// MaxRemovals is the number of removals above which a warning is
	// reported. Zero disables the warning.
	MaxRemovals int `yaml:"max_removals" json:"max_removals" validate:"gte=0"`
}

// RankingConfig configures the scripted ranking hook.
type RankingConfig struct {
	// Script is a Starlark file defining score(pkg).
	Script string `yaml:"script" json:"script,omitempty"`

	// Timeout bounds a single score call (default: 1s).
	Timeout time.Duration `yaml:"timeout" json:"-"`
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	File    string
	Line    int
	Column  int
	Field   string
	Message string
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	switch {
	case e.Line > 0:
		return fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Column, e.Message)
	case e.Field != "":
		return e.Field + ": " + e.Message
	default:
		return e.Message
	}
}

// ValidationErrors collects every problem found in a configuration.
type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	if len(errs) == 1 {
		return errs[0].Error()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d configuration errors:", len(errs))
	for _, e := range errs {
		b.WriteString("\n  " + e.Error())
	}
	return b.String()
}
