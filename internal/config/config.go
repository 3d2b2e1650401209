package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rzbill/runnel/internal/assign"
	"github.com/rzbill/runnel/internal/jsoncodec"
	"github.com/rzbill/runnel/pkg/log"
)

// Config is the top-level configuration loaded from file/env.
type Config struct {
	DataDir   string            `json:"dataDir"`
	Fsync     string            `json:"fsync"`
	Log       log.Config        `json:"log"`
	Processor ProcessorDefaults `json:"processor"`
	Stream    StreamDefaults    `json:"stream"`
	Admin     Admin             `json:"admin"`
}

// ProcessorDefaults are applied to processors started by the worker command
// unless a flag overrides them.
type ProcessorDefaults struct {
	Policy             string   `json:"policy"`
	Strategy           string   `json:"strategy"`
	PoolSize           int      `json:"poolSize"`
	LockExpiry         Duration `json:"lockExpiry"`
	ReadTimeout        Duration `json:"readTimeout"`
	PrefetchCount      int      `json:"prefetchCount"`
	AssignmentAttempts int      `json:"assignmentAttempts"`
	AssignmentSleep    Duration `json:"assignmentSleep"`
	GracePeriod        Duration `json:"gracePeriod"`
	JoinDelay          Duration `json:"joinDelay"`
	MaxTTL             Duration `json:"maxTTL"`
	WatchdogInterval   Duration `json:"watchdogInterval"`
}

// StreamDefaults captures the baseline for streams created from the CLI.
type StreamDefaults struct {
	PartitionCount int      `json:"partitionCount"`
	PartitionSize  int      `json:"partitionSize"`
	RetentionAge   Duration `json:"retentionAge"`
	Hasher         string   `json:"hasher"`
	Codec          string   `json:"codec"`
}

// Admin holds the listen addresses of the admin servers. Empty disables one.
type Admin struct {
	HTTPAddr string `json:"httpAddr"`
	GRPCAddr string `json:"grpcAddr"`
}

// Duration is a time.Duration written as a Go duration string in JSON.
// Plain numbers are read as milliseconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

// UnmarshalJSON accepts a duration string such as "30s", or a bare number
// of milliseconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	raw := string(b)
	if raw == "null" {
		return nil
	}
	if !strings.HasPrefix(raw, `"`) {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("config: duration %s: want a string like \"30s\" or milliseconds", raw)
		}
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	s := strings.Trim(raw, `"`)
	if s == "" {
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		DataDir: DefaultDataDir(),
		Fsync:   "interval",
		Log:     log.Config{Level: "info", Format: "text"},
		Processor: ProcessorDefaults{
			Policy:             "halt",
			Strategy:           "round_robin",
			PoolSize:           1,
			LockExpiry:         Duration(60 * time.Second),
			ReadTimeout:        Duration(2 * time.Second),
			PrefetchCount:      8,
			AssignmentAttempts: 32,
			AssignmentSleep:    Duration(2 * time.Second),
			GracePeriod:        Duration(8 * time.Second),
			JoinDelay:          Duration(2 * time.Second),
			MaxTTL:             Duration(120 * time.Second),
			WatchdogInterval:   Duration(30 * time.Second),
		},
		Stream: StreamDefaults{
			PartitionCount: 16,
			PartitionSize:  100_000,
			Hasher:         "xxh3",
			Codec:          "json",
		},
		Admin: Admin{HTTPAddr: "127.0.0.1:7070"},
	}
}

// Load reads configuration from a JSON file. If path is empty, returns defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	switch ext := filepath.Ext(path); ext {
	case ".json", "":
		if err := jsoncodec.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	default:
		return Config{}, fmt.Errorf("config: unsupported file type %q; use JSON", ext)
	}
	return cfg, nil
}

// Validate reports the first inconsistent value.
func (c Config) Validate() error {
	switch {
	case c.DataDir == "":
		return fmt.Errorf("config: dataDir is required")
	case c.Stream.PartitionCount <= 0:
		return fmt.Errorf("config: stream.partitionCount must be positive")
	case c.Stream.PartitionSize < 0:
		return fmt.Errorf("config: stream.partitionSize must not be negative")
	case c.Processor.PoolSize <= 0:
		return fmt.Errorf("config: processor.poolSize must be positive")
	case c.Processor.LockExpiry.Std() <= 0:
		return fmt.Errorf("config: processor.lockExpiry must be positive")
	case c.Processor.MaxTTL.Std() < c.Processor.LockExpiry.Std():
		return fmt.Errorf("config: processor.maxTTL must be at least lockExpiry")
	}
	if _, err := assign.ByName(c.Processor.Strategy); err != nil {
		return fmt.Errorf("config: processor.strategy: %w", err)
	}
	return nil
}
