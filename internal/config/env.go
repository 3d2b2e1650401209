package config

import (
	"os"
	"strconv"
	"time"
)

// FromEnv overlays RUNNEL_* environment variables onto cfg. Values that do
// not parse are ignored.
func FromEnv(cfg *Config) {
	envString("RUNNEL_DATA_DIR", &cfg.DataDir)
	envString("RUNNEL_FSYNC", &cfg.Fsync)
	envString("RUNNEL_LOG_LEVEL", &cfg.Log.Level)
	envString("RUNNEL_LOG_FORMAT", &cfg.Log.Format)

	p := &cfg.Processor
	envString("RUNNEL_PROCESSOR_POLICY", &p.Policy)
	envString("RUNNEL_PROCESSOR_STRATEGY", &p.Strategy)
	envInt("RUNNEL_PROCESSOR_POOL_SIZE", &p.PoolSize)
	envDuration("RUNNEL_PROCESSOR_LOCK_EXPIRY", &p.LockExpiry)
	envDuration("RUNNEL_PROCESSOR_READ_TIMEOUT", &p.ReadTimeout)
	envInt("RUNNEL_PROCESSOR_PREFETCH_COUNT", &p.PrefetchCount)
	envInt("RUNNEL_PROCESSOR_ASSIGNMENT_ATTEMPTS", &p.AssignmentAttempts)
	envDuration("RUNNEL_PROCESSOR_ASSIGNMENT_SLEEP", &p.AssignmentSleep)
	envDuration("RUNNEL_PROCESSOR_GRACE_PERIOD", &p.GracePeriod)
	envDuration("RUNNEL_PROCESSOR_JOIN_DELAY", &p.JoinDelay)
	envDuration("RUNNEL_PROCESSOR_MAX_TTL", &p.MaxTTL)
	envDuration("RUNNEL_PROCESSOR_WATCHDOG_INTERVAL", &p.WatchdogInterval)

	envInt("RUNNEL_STREAM_PARTITION_COUNT", &cfg.Stream.PartitionCount)
	envInt("RUNNEL_STREAM_PARTITION_SIZE", &cfg.Stream.PartitionSize)
	envDuration("RUNNEL_STREAM_RETENTION_AGE", &cfg.Stream.RetentionAge)
	envString("RUNNEL_STREAM_HASHER", &cfg.Stream.Hasher)
	envString("RUNNEL_STREAM_CODEC", &cfg.Stream.Codec)

	envString("RUNNEL_ADMIN_HTTP_ADDR", &cfg.Admin.HTTPAddr)
	envString("RUNNEL_ADMIN_GRPC_ADDR", &cfg.Admin.GRPCAddr)
}

func envString(name string, dst *string) {
	if v, ok := os.LookupEnv(name); ok {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDuration(name string, dst *Duration) {
	if v := os.Getenv(name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}
