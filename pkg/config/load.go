package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/epm/pkg/telemetry"
)

// Candidate is a configuration file location with the data directory used
// when the file is found there.
type Candidate struct {
	File    string
	DataDir string
}

// Loader reads and validates configuration files.
type Loader struct {
	schemas    *SchemaRegistry
	validate   *validator.Validate
	candidates []Candidate
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithCandidates replaces the search path.
func WithCandidates(candidates ...Candidate) LoaderOption {
	return func(l *Loader) {
		l.candidates = candidates
	}
}

// NewLoader creates a loader searching ~/.epm/config.yaml, then /etc/epm.yaml.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{
		schemas:    NewSchemaRegistry(),
		validate:   validator.New(),
		candidates: DefaultCandidates(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// DefaultCandidates returns the default search path.
func DefaultCandidates() []Candidate {
	var candidates []Candidate
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, Candidate{
			File:    filepath.Join(home, ".epm", "config.yaml"),
			DataDir: filepath.Join(home, ".epm"),
		})
	}
	return append(candidates, Candidate{File: "/etc/epm.yaml", DataDir: "/var/state/epm"})
}

// Schemas returns the schema registry used for validation.
func (l *Loader) Schemas() *SchemaRegistry {
	return l.schemas
}

// Load reads the explicit file if given, otherwise the first candidate that
// exists. A missing explicit file is an error; finding no candidate yields
// the defaults rooted at the first candidate's data directory.
func (l *Loader) Load(explicit string) (*Config, error) {
	fallback := "/var/state/epm"
	if len(l.candidates) > 0 {
		fallback = l.candidates[0].DataDir
	}

	if explicit != "" {
		info, err := os.Stat(explicit)
		if err != nil || info.IsDir() {
			return nil, fmt.Errorf("configuration file not found: %s", explicit)
		}
		return l.LoadFile(explicit, fallback)
	}

	for _, c := range l.candidates {
		if info, err := os.Stat(c.File); err == nil && !info.IsDir() {
			return l.LoadFile(c.File, c.DataDir)
		}
	}

	cfg := Default(fallback)
	if err := l.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads a YAML or CUE (.cue) configuration file on top of the
// defaults for dataDir.
func (l *Loader) LoadFile(path, dataDir string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration: %w", err)
	}

	cfg := Default(dataDir)
	cfg.DataDir = ""
	cfg.CacheDir = ""

	if strings.HasSuffix(path, ".cue") {
		err = l.decodeCUE(path, data, cfg)
	} else {
		err = decodeYAML(path, data, cfg)
	}
	if err != nil {
		return nil, err
	}

	cfg.Source = path
	if cfg.DataDir == "" {
		cfg.DataDir = dataDir
	}
	cfg.normalize()

	if err := l.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration rooted at dataDir.
func Default(dataDir string) *Config {
	cfg := &Config{
		DataDir:      dataDir,
		Root:         "/",
		Architecture: MachineArch(),
		Fetch: FetchConfig{
			Concurrency: 4,
			Timeout:     10 * time.Minute,
		},
		Backends: BackendsConfig{
			Priority: []string{"deb", "rpm", "archive"},
		},
		Guard: GuardConfig{
			MaxRemovals: 25,
		},
		Ranking: RankingConfig{
			Timeout: time.Second,
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
	cfg.normalize()
	return cfg
}

// MachineArch maps GOARCH to the package architecture naming.
func MachineArch() string {
	switch runtime.GOARCH {
	case "amd64":
		return "x86_64"
	case "arm64":
		return "aarch64"
	case "386":
		return "i686"
	default:
		return runtime.GOARCH
	}
}

func (c *Config) normalize() {
	c.DataDir = expandHome(c.DataDir)
	c.CacheDir = expandHome(c.CacheDir)
	if c.CacheDir == "" && c.DataDir != "" {
		c.CacheDir = filepath.Join(c.DataDir, "cache")
	}
	c.Root = expandHome(c.Root)
	c.Guard.RulesDir = expandHome(c.Guard.RulesDir)
	c.Ranking.Script = expandHome(c.Ranking.Script)
	c.Fetch.SFTP.KeyFile = expandHome(c.Fetch.SFTP.KeyFile)
	c.Fetch.SFTP.KnownHosts = expandHome(c.Fetch.SFTP.KnownHosts)
}

// StorePath returns the installed package database path.
func (c *Config) StorePath() string {
	return filepath.Join(c.DataDir, "epm.db")
}

// EnabledChannels returns the channels that are not disabled.
func (c *Config) EnabledChannels() []ChannelConfig {
	var out []ChannelConfig
	for _, ch := range c.Channels {
		if !ch.Disabled {
			out = append(out, ch)
		}
	}
	return out
}

// Validate checks struct tags, channel name uniqueness and the CUE schema.
func (l *Loader) Validate(cfg *Config) error {
	var errs ValidationErrors

	if err := l.validate.Struct(cfg); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return fmt.Errorf("failed to validate configuration: %w", err)
		}
		for _, fe := range fieldErrs {
			errs = append(errs, ValidationError{
				File:    cfg.Source,
				Field:   fe.Namespace(),
				Message: fmt.Sprintf("failed on the %q rule", fe.Tag()),
			})
		}
	}

	if err := cfg.Telemetry.Validate(); err != nil {
		errs = append(errs, ValidationError{File: cfg.Source, Field: "Config.Telemetry", Message: err.Error()})
	}

	seen := make(map[string]bool)
	for _, ch := range cfg.Channels {
		if seen[ch.Name] {
			errs = append(errs, ValidationError{
				File:    cfg.Source,
				Field:   "Config.Channels",
				Message: fmt.Sprintf("duplicate channel name %q", ch.Name),
			})
		}
		seen[ch.Name] = true
	}

	if len(errs) == 0 {
		if err := l.schemas.ValidateAgainstSchema(context.Background(), SchemaConfig, cfg); err != nil {
			errs = append(errs, ValidationError{File: cfg.Source, Message: err.Error()})
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func decodeYAML(path string, data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return ValidationErrors{{File: path, Message: err.Error()}}
	}
	return nil
}

// decodeCUE evaluates a CUE file, checks it against #Config and decodes the
// concrete result.
func (l *Loader) decodeCUE(path string, data []byte, cfg *Config) error {
	l.schemas.mu.Lock()
	val := l.schemas.Context().CompileBytes(data, cue.Filename(path))
	l.schemas.mu.Unlock()
	if err := val.Err(); err != nil {
		return convertCUEErrors(err)
	}

	if err := l.schemas.ValidateValue(SchemaConfig, val); err != nil {
		return convertCUEErrors(err)
	}

	raw, err := val.MarshalJSON()
	if err != nil {
		return convertCUEErrors(err)
	}
	// JSON is a subset of YAML, so the YAML tags drive decoding.
	return decodeYAML(path, raw, cfg)
}

// convertCUEErrors converts CUE errors to ValidationErrors.
func convertCUEErrors(err error) ValidationErrors {
	var validationErrors ValidationErrors

	for _, e := range cueerrors.Errors(err) {
		pos := cueerrors.Positions(e)
		var file string
		var line, column int

		if len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}

		validationErrors = append(validationErrors, ValidationError{
			File:    file,
			Line:    line,
			Column:  column,
			Message: strings.TrimSpace(cueerrors.Details(e, nil)),
		})
	}

	if len(validationErrors) == 0 {
		validationErrors = append(validationErrors, ValidationError{Message: err.Error()})
	}
	return validationErrors
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
