package main

import "time"

type Config struct {
	BufferSize        int           `env:"BUFFER_SIZE,default=1024"`
	NumberOfWorkers   int           `env:"NUMBER_OF_WORKERS,default=8"`
	LimitMessages     *int          `env:"LIMIT_MESSAGES"`
	SinkTimeout       time.Duration `env:"SINK_TIMEOUT,default=2s"`
	RestartInterval   time.Duration `env:"RESTART_INTERVAL,default=200ms"`
	BadgerFilepath    string        `env:"BADGER_FILEPATH,required=true"`
	LogLevel          string        `env:"LOG_LEVEL,default=info"`
	MaxContentLength  int           `env:"MAX_CONTENT_LENGTH,default=4096"`
	CensoredFilepath  string        `env:"CENSORED_FILEPATH"`
	CharReplacement   string        `env:"CHARACTER_REPLACEMENT,default=*"`
	ClassifierURL     string        `env:"CLASSIFIER_URL,required=true"`
	ClassifierTimeout time.Duration `env:"CLASSIFIER_TIMEOUT,default=500ms"`
	WarnThreshold     float64       `env:"WARN_THRESHOLD,default=0.6"`
	BlockThreshold    float64       `env:"BLOCK_THRESHOLD,default=0.8"`
	MuteDuration      time.Duration `env:"MUTE_DURATION,default=1h"`
	QueueHighWater    int           `env:"QUEUE_HIGH_WATER_MARK,default=10000"`
	QueueMaxAttempts  int           `env:"QUEUE_MAX_ATTEMPTS,default=3"`
	BackoffBase       time.Duration `env:"BACKOFF_BASE,default=2s"`
	BackoffCap        time.Duration `env:"BACKOFF_CAP,default=30s"`
	StallTimeout      time.Duration `env:"STALL_TIMEOUT,default=30s"`
	SweepInterval     time.Duration `env:"SWEEP_INTERVAL,default=500ms"`
	JanitorInterval   time.Duration `env:"JANITOR_INTERVAL,default=5s"`
	TelemetryInterval time.Duration `env:"TELEMETRY_INTERVAL,default=10s"`
	RedisAddr         string        `env:"REDIS_ADDR"`
}
