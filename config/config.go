package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

type Config struct {
	StorageType      string
	DataSourceName   string
	LocalStoragePath string
	S3BucketName     string
	RedisURL         string
	JWTSecret        []byte
	InstanceID       string

	PersistenceInterval time.Duration
	PruneGracePeriod    time.Duration
	PruneSweepInterval  time.Duration
	GroupLockTimeout    time.Duration

	ClientMessageRate  float64
	ClientMessageBurst int
}

// Load reads the configuration from the environment. A .env file, if any, must
// already be loaded.
func Load() (*Config, error) {
	cfg := &Config{
		StorageType:      os.Getenv("STORAGE_TYPE"),
		DataSourceName:   envOr("DATA_SOURCE_NAME", "collab.db"),
		LocalStoragePath: envOr("LOCAL_STORAGE_PATH", "./data"),
		S3BucketName:     os.Getenv("S3_BUCKET_NAME"),
		RedisURL:         os.Getenv("REDIS_URL"),
		JWTSecret:        []byte(os.Getenv("JWT_SECRET")),
		InstanceID:       envOr("INSTANCE_ID", ulid.Make().String()),
	}

	var err error
	if cfg.PersistenceInterval, err = durationEnv("PERSISTENCE_INTERVAL", 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.PruneGracePeriod, err = durationEnv("PRUNE_GRACE_PERIOD", 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.PruneSweepInterval, err = durationEnv("PRUNE_SWEEP_INTERVAL", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.GroupLockTimeout, err = durationEnv("GROUP_LOCK_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}

	rate, err := strconv.ParseFloat(envOr("CLIENT_MESSAGE_RATE", "50"), 64)
	if err != nil || rate <= 0 {
		return nil, fmt.Errorf("invalid CLIENT_MESSAGE_RATE %q", os.Getenv("CLIENT_MESSAGE_RATE"))
	}
	cfg.ClientMessageRate = rate

	burst, err := strconv.Atoi(envOr("CLIENT_MESSAGE_BURST", "100"))
	if err != nil || burst <= 0 {
		return nil, fmt.Errorf("invalid CLIENT_MESSAGE_BURST %q", os.Getenv("CLIENT_MESSAGE_BURST"))
	}
	cfg.ClientMessageBurst = burst

	if cfg.StorageType == "s3" && cfg.S3BucketName == "" {
		return nil, fmt.Errorf("S3_BUCKET_NAME environment variable must be set for s3 storage type")
	}
	if len(cfg.JWTSecret) == 0 {
		logrus.Warn("JWT_SECRET is not set. Authentication will not work.")
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// durationEnv accepts Go durations ("90s") or a plain number of seconds.
func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s %q", key, v)
	}
	return d, nil
}
