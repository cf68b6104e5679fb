// Package config loads rewind's operator configuration.
//
// Precedence, lowest first: built-in defaults, the YAML file, REWIND_*
// environment variables.
package config

import "time"

// Config is the top-level YAML structure.
type Config struct {
	Archive   ArchiveConf   `yaml:"archive" envPrefix:"ARCHIVE_"`
	Store     StoreConf     `yaml:"store" envPrefix:"STORE_"`
	Live      LiveConf      `yaml:"live" envPrefix:"LIVE_"`
	Replay    ReplayConf    `yaml:"replay" envPrefix:"REPLAY_"`
	Detect    DetectConf    `yaml:"detect" envPrefix:"DETECT_"`
	Apply     ApplyConf     `yaml:"apply" envPrefix:"APPLY_"`
	Telemetry TelemetryConf `yaml:"telemetry" envPrefix:"TELEMETRY_"`

	// Plan is the CUE recovery plan holding the logic version schedule.
	Plan string `yaml:"plan" env:"PLAN"`
}

// ArchiveConf selects and tunes the event archive.
type ArchiveConf struct {
	Kind     string `yaml:"kind" env:"KIND"` // sqlite | s3 | gcs
	Path     string `yaml:"path" env:"PATH"`
	Readers  int    `yaml:"readers" env:"READERS"`
	Bucket   string `yaml:"bucket" env:"BUCKET"`
	Prefix   string `yaml:"prefix" env:"PREFIX"`
	Region   string `yaml:"region" env:"REGION"`
	Endpoint string `yaml:"endpoint" env:"ENDPOINT"`

	// RateLimit caps archive reads in events per second; zero is unlimited.
	RateLimit float64 `yaml:"rate_limit" env:"RATE_LIMIT"`
	Burst     int     `yaml:"burst" env:"BURST"`
}

// StoreConf locates the run and checkpoint database.
type StoreConf struct {
	Path string `yaml:"path" env:"PATH"`
}

// LiveConf selects the live result store.
type LiveConf struct {
	Kind   string `yaml:"kind" env:"KIND"` // sqlite | postgres | redis
	Path   string `yaml:"path" env:"PATH"`
	DSN    string `yaml:"dsn" env:"DSN"`
	Addr   string `yaml:"addr" env:"ADDR"`
	Prefix string `yaml:"prefix" env:"PREFIX"`
}

// ReplayConf tunes the replay engine.
type ReplayConf struct {
	Parallelism      int           `yaml:"parallelism" env:"PARALLELISM"`
	MaxRetries       int           `yaml:"max_retries" env:"MAX_RETRIES"`
	CheckpointEvery  int           `yaml:"checkpoint_every" env:"CHECKPOINT_EVERY"`
	PartitionTimeout time.Duration `yaml:"partition_timeout" env:"PARTITION_TIMEOUT"`
	KeyBuckets       int           `yaml:"key_buckets" env:"KEY_BUCKETS"`
	Partitions       []string      `yaml:"partitions" env:"PARTITIONS"`
}

// DetectConf tunes failure window detection. Hot reloadable.
type DetectConf struct {
	Threshold        float64       `yaml:"threshold" env:"THRESHOLD"`
	GapTolerance     int           `yaml:"gap_tolerance" env:"GAP_TOLERANCE"`
	MinBuckets       int           `yaml:"min_buckets" env:"MIN_BUCKETS"`
	BucketWidth      time.Duration `yaml:"bucket_width" env:"BUCKET_WIDTH"`
	Metric           string        `yaml:"metric" env:"METRIC"` // sum | count | max | min
	Field            string        `yaml:"field" env:"FIELD"`
	HealthPartitions []string      `yaml:"health_partitions" env:"HEALTH_PARTITIONS"`
}

// ApplyConf tunes correction application.
type ApplyConf struct {
	MaxRetries      int  `yaml:"max_retries" env:"MAX_RETRIES"`
	ApplyPartial    bool `yaml:"apply_partial" env:"PARTIAL"`
	RequireInReplay bool `yaml:"require_in_replay" env:"REQUIRE_IN_REPLAY"`
}

// TelemetryConf configures tracing export.
type TelemetryConf struct {
	// OTLPEndpoint enables OTLP/HTTP trace export when set.
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
}
