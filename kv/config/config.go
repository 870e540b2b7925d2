package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pingcap/errors"
)

type Config struct {
	LogLevel string

	SnapPath string // Directory to stage pre-handled snapshots in. Should exist and be writable.

	// A region becomes flush-eligible once it buffers this many committed rows.
	FlushRowsThreshold uint64
	// Or this many bytes across the default and write families.
	FlushBytesThreshold uint64
	// Or once this much time passed since its last flush.
	FlushInterval time.Duration
	// When the gap between the applied index and the last flushed index exceeds
	// this value, flush is forced so raft log can be compacted.
	EagerGCRowGap uint64

	// Max number of snapshots pre-handled concurrently across all regions.
	SnapConcurrency int

	// Sink write retry policy.
	SinkMaxRetries   int
	SinkRetryBackoff time.Duration
	// Bytes per second allowed into the sink, 0 disables the limiter.
	SinkBytesPerSec int
}

func (c *Config) Validate() error {
	if c.FlushRowsThreshold == 0 {
		return fmt.Errorf("flush rows threshold must greater than 0")
	}
	if c.FlushBytesThreshold == 0 {
		return fmt.Errorf("flush bytes threshold must greater than 0")
	}
	if c.SnapConcurrency <= 0 {
		return fmt.Errorf("snapshot concurrency must greater than 0")
	}
	if c.SinkMaxRetries < 0 {
		return fmt.Errorf("sink max retries must not be negative")
	}
	return nil
}

const (
	KB uint64 = 1024
	MB uint64 = 1024 * 1024
)

func getLogLevel() (logLevel string) {
	logLevel = "info"
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		logLevel = l
	}
	return
}

func NewDefaultConfig() *Config {
	return &Config{
		LogLevel:            getLogLevel(),
		SnapPath:            "/tmp/tinyflash-snap",
		FlushRowsThreshold:  40960,
		FlushBytesThreshold: 32 * MB,
		FlushInterval:       5 * time.Minute,
		EagerGCRowGap:       512,
		SnapConcurrency:     4,
		SinkMaxRetries:      5,
		SinkRetryBackoff:    100 * time.Millisecond,
		SinkBytesPerSec:     0,
	}
}

func NewTestConfig() *Config {
	return &Config{
		LogLevel:            getLogLevel(),
		SnapPath:            "/tmp/tinyflash-snap",
		FlushRowsThreshold:  16,
		FlushBytesThreshold: 4 * KB,
		FlushInterval:       50 * time.Millisecond,
		EagerGCRowGap:       8,
		SnapConcurrency:     2,
		SinkMaxRetries:      2,
		SinkRetryBackoff:    time.Millisecond,
		SinkBytesPerSec:     0,
	}
}

// LoadFromFile overlays the TOML file at path onto c.
func (c *Config) LoadFromFile(path string) error {
	_, err := toml.DecodeFile(path, c)
	if err != nil {
		return errors.WithStack(err)
	}
	return c.Validate()
}
