package ouroboros

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"github.com/i5heu/ouroboros-vcs/internal/lock"
	"github.com/i5heu/ouroboros-vcs/internal/phases"
	"github.com/i5heu/ouroboros-vcs/internal/revlog"
	"github.com/i5heu/ouroboros-vcs/pkg/bundle"
)

// ConfigName is the optional per-repository configuration file inside the
// metadata directory.
const ConfigName = "config.yaml"

// Config configures a repository handle. Zero values fall back to the
// defaults listed on each field; a config.yaml in the metadata directory is
// applied on top when the repository is opened.
type Config struct {
	// Logger is an optional structured logger. If nil, logrus.New() is used.
	Logger *logrus.Logger `yaml:"-"`

	Revlog RevlogConfig `yaml:"revlog"`
	Phases PhaseConfig  `yaml:"phases"`
	Bundle BundleConfig `yaml:"bundle"`
	Lock   LockConfig   `yaml:"lock"`
	// MinimumFreeMB is checked before every mutating operation. 0 disables
	// the check.
	MinimumFreeMB int `yaml:"minimum-free-mb"`
	// BatchSize is the number of nodes or ranges per discovery request.
	BatchSize int `yaml:"discovery-batch-size"`
}

type RevlogConfig struct {
	// SnapshotRatio defaults to 0.75.
	SnapshotRatio float64 `yaml:"snapshot-ratio"`
	// MaxChainLength 0 means unlimited.
	MaxChainLength int `yaml:"max-chain-length"`
	// Compression is "zlib" (default) or "zstd".
	Compression string `yaml:"compression"`
	// MinCompressionGain is the number of bytes compression must save for
	// a chunk to be stored compressed, 8 by default. Negative values
	// accept any saving.
	MinCompressionGain int `yaml:"min-compression-gain"`
}

type PhaseConfig struct {
	// NewCommit is the phase of new commits, "draft" (default) or
	// "secret".
	NewCommit string `yaml:"new-commit"`
	// Publish makes changesets pushed to this repository public and is
	// advertised to peers.
	Publish bool `yaml:"publish"`
}

type BundleConfig struct {
	// Compression of bundle files: "none", "gzip", "bzip2" or "xz"
	// (default).
	Compression string `yaml:"compression"`
}

type LockConfig struct {
	// NoWait fails at once when another process holds the lock.
	NoWait bool `yaml:"no-wait"`
	// Timeout bounds the wait, 30s by default. Negative waits until the
	// context is done.
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns the configuration written by Init.
func DefaultConfig() Config {
	return Config{
		Revlog: RevlogConfig{
			SnapshotRatio:      revlog.DefaultSnapshotRatio,
			Compression:        "zlib",
			MinCompressionGain: revlog.DefaultMinCompressionGain,
		},
		Phases:    PhaseConfig{NewCommit: phases.Draft.String()},
		Bundle:    BundleConfig{Compression: "xz"},
		Lock:      LockConfig{Timeout: 30 * time.Second},
		BatchSize: 10,
	}
}

// LoadConfig reads a YAML file and applies it on top of base. Keys missing
// from the file keep base's values.
func LoadConfig(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("read config %s: %w", path, err)
	}
	conf := base
	if err := yaml.UnmarshalStrict(data, &conf); err != nil {
		return base, fmt.Errorf("parse config %s: %w", path, err)
	}
	conf.Logger = base.Logger
	return conf, nil
}

// WriteConfig stores conf as YAML at path.
func WriteConfig(path string, conf Config) error {
	data, err := yaml.Marshal(conf)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Logger == nil {
		c.Logger = logrus.New()
	}
	if c.Revlog.SnapshotRatio <= 0 {
		c.Revlog.SnapshotRatio = def.Revlog.SnapshotRatio
	}
	if c.Revlog.MinCompressionGain == 0 {
		c.Revlog.MinCompressionGain = def.Revlog.MinCompressionGain
	}
	if c.Lock.Timeout == 0 {
		c.Lock.Timeout = def.Lock.Timeout
	}
	if c.Revlog.Compression == "" {
		c.Revlog.Compression = def.Revlog.Compression
	}
	if c.Phases.NewCommit == "" {
		c.Phases.NewCommit = def.Phases.NewCommit
	}
	if c.Bundle.Compression == "" {
		c.Bundle.Compression = def.Bundle.Compression
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
}

// validate resolves the textual settings once so operations never fail on
// them later.
func (c *Config) validate() (revlog.Engine, phases.Phase, bundle.Compression, error) {
	engine, err := revlog.EngineByName(c.Revlog.Compression)
	if err != nil {
		return nil, 0, "", fmt.Errorf("revlog.compression: %w", err)
	}
	phase, err := phases.ParsePhase(c.Phases.NewCommit)
	if err != nil {
		return nil, 0, "", fmt.Errorf("phases.new-commit: %w", err)
	}
	if phase == phases.Public {
		return nil, 0, "", fmt.Errorf("phases.new-commit: new commits cannot be public")
	}
	comp, err := bundle.ParseCompression(c.Bundle.Compression)
	if err != nil {
		return nil, 0, "", fmt.Errorf("bundle.compression: %w", err)
	}
	if comp == bundle.Bzip2 {
		return nil, 0, "", fmt.Errorf("bundle.compression: bzip2 bundles can only be read")
	}
	return engine, phase, comp, nil
}

func (c Config) lockPolicy() lock.Policy {
	timeout := c.Lock.Timeout
	if timeout < 0 {
		timeout = 0
	}
	return lock.Policy{Wait: !c.Lock.NoWait, Timeout: timeout}
}

func (c Config) writerConfig(engine revlog.Engine) revlog.WriterConfig {
	return revlog.WriterConfig{
		SnapshotRatio:      c.Revlog.SnapshotRatio,
		MaxChainLength:     c.Revlog.MaxChainLength,
		Engine:             engine,
		MinCompressionGain: c.Revlog.MinCompressionGain,
		Logger:             c.Logger,
	}
}
