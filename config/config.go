package config

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"mit.edu/dsg/godb-pagelock/common"
)

// Duration is a time.Duration that decodes from TOML strings such as "500ms" or "2s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config holds the engine settings.
type Config struct {
	// Directory holding one file per table. Created if missing.
	StorageDir string `toml:"storage-dir"`
	// Number of page frames in the buffer pool.
	BufferPoolPages int `toml:"buffer-pool-pages"`
	// Upper bound on how long a transaction waits for a page lock before it is told to abort.
	LockTimeout Duration `toml:"lock-timeout"`
	// Fail lock requests that would close a waits-for cycle immediately.
	DeadlockDetection bool `toml:"deadlock-detection"`
	// Write a transaction's dirty pages to disk before Commit returns.
	ForceOnCommit bool `toml:"force-on-commit"`
	// How often committed pages are written back in the background. Zero disables the background flusher.
	FlushInterval Duration `toml:"flush-interval"`
	// One of logrus's level names: trace, debug, info, warn, error.
	LogLevel string `toml:"log-level"`
}

func getLogLevel() (logLevel string) {
	logLevel = "info"
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		logLevel = l
	}
	return
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		StorageDir:        "data",
		BufferPoolPages:   1024,
		LockTimeout:       Duration{2 * time.Second},
		DeadlockDetection: true,
		ForceOnCommit:     false,
		FlushInterval:     Duration{time.Second},
		LogLevel:          getLogLevel(),
	}
}

// Load reads a TOML file on top of the defaults and validates the result.
func Load(path string) (*Config, error) {
	c := Default()
	meta, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, errors.Wrapf(err, "load config %s", path)
	}
	if undecoded := meta.Undecoded(); len(undecoded) != 0 {
		return nil, common.NewError(common.InvalidConfigError, "unknown config keys in %s: %v", path, undecoded)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks that the engine can run with c.
func (c *Config) Validate() error {
	if c.StorageDir == "" {
		return common.NewError(common.InvalidConfigError, "storage-dir must be set")
	}
	if c.BufferPoolPages <= 0 {
		return common.NewError(common.InvalidConfigError, "buffer-pool-pages must be positive, got %d", c.BufferPoolPages)
	}
	if c.LockTimeout.Duration <= 0 {
		return common.NewError(common.InvalidConfigError, "lock-timeout must be positive, got %s", c.LockTimeout)
	}
	if c.FlushInterval.Duration < 0 {
		return common.NewError(common.InvalidConfigError, "flush-interval must not be negative, got %s", c.FlushInterval)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return common.NewError(common.InvalidConfigError, "bad log-level %q", c.LogLevel)
	}
	return nil
}

// NewLogger builds the engine logger at the configured level.
func NewLogger(c *Config) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}
