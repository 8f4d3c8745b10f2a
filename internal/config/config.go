package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds runtime settings for the API and reaper binaries.
type Config struct {
	Env      string `env:"APP_ENV" envDefault:"dev"`
	HTTPPort string `env:"HTTP_PORT" envDefault:"8080"`

	DatabaseURL string `env:"DATABASE_URL,required"`

	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// Submission window granted to a worker at claim time.
	LeaseTTL        time.Duration `env:"LEASE_TTL" envDefault:"15m"`
	ReaperInterval  time.Duration `env:"REAPER_INTERVAL" envDefault:"30s"`
	ReaperBatchSize int           `env:"REAPER_BATCH_SIZE" envDefault:"100"`

	// Fraction of an order's unit price paid out per completed unit.
	PayoutShare float64 `env:"PAYOUT_SHARE" envDefault:"0.5"`

	RateLimitCapacity int     `env:"RATE_LIMIT_CAPACITY" envDefault:"30"`
	RateLimitRefill   float64 `env:"RATE_LIMIT_REFILL_PER_SEC" envDefault:"5"`

	ArchiveVisibility   time.Duration `env:"ARCHIVE_VISIBILITY" envDefault:"2m"`
	ProofS3Bucket       string        `env:"PROOF_S3_BUCKET"`
	ProofS3Region       string        `env:"PROOF_S3_REGION" envDefault:"us-east-1"`
	ProofS3Endpoint     string        `env:"PROOF_S3_ENDPOINT"`
	ProofS3PathStyle    bool          `env:"PROOF_S3_PATH_STYLE" envDefault:"false"`
	ProofOutputDir      string        `env:"PROOF_OUTPUT_DIR" envDefault:"./proofs"`
	ProofMaxBytes       int64         `env:"PROOF_MAX_BYTES" envDefault:"10485760"`
	ProofFetchTimeout   time.Duration `env:"PROOF_FETCH_TIMEOUT" envDefault:"30s"`
	ProofThumbnailWidth int           `env:"PROOF_THUMBNAIL_WIDTH" envDefault:"320"`
}

func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
