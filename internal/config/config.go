package config

import (
	"errors"
	"io/fs"
	"log"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Redis Redis
	Store Store
	Video Video
	HTTP  HTTP
	Log   Log
}

type Redis struct {
	Addr          string `env:"Redis_Address"`
	Password      string `env:"Redis_Password"`
	DB            int    `env:"Redis_DB"`
	StreamKey     string `env:"Redis_StreamKey" envDefault:"vidbatch:batches"`
	Group         string `env:"Redis_Group" envDefault:"vidbatch-workers"`
	ScheduledZSet string `env:"Redis_ScheduledZSet" envDefault:"vidbatch:scheduled"`
	DLQStreamKey  string `env:"Redis_DLQStreamKey" envDefault:"vidbatch:dlq"`
}

// Enabled reports whether an address was configured.
func (r Redis) Enabled() bool { return r.Addr != "" }

type Store struct {
	DataDir   string `env:"DATA_DIR" envDefault:"data"`
	PublicDir string `env:"PUBLIC_DIR" envDefault:"public"`
}

type Video struct {
	APIKey          string        `env:"VIDEO_API_KEY"`
	BaseURL         string        `env:"VIDEO_API_BASE_URL" envDefault:"https://api.kie.ai"`
	Model           string        `env:"VIDEO_MODEL" envDefault:"veo3_fast"`
	PollInterval    time.Duration `env:"POLL_INTERVAL" envDefault:"10s"`
	PollMaxAttempts int           `env:"POLL_MAX_ATTEMPTS" envDefault:"120"`
}

type HTTP struct {
	Timeout     time.Duration `env:"HTTP_TIMEOUT" envDefault:"15m"`
	MaxAttempts int           `env:"HTTP_MAX_ATTEMPTS" envDefault:"3"`
}

type Log struct {
	Level      string `env:"LOG_LEVEL" envDefault:"info"`
	Pretty     bool   `env:"LOG_PRETTY"`
	File       string `env:"LOG_FILE"`
	MaxSizeMB  int    `env:"LOG_MAX_SIZE_MB" envDefault:"50"`
	MaxBackups int    `env:"LOG_MAX_BACKUPS" envDefault:"5"`
	MaxAgeDays int    `env:"LOG_MAX_AGE_DAYS" envDefault:"14"`
}

// Load reads .env (if any) and the process environment.
func Load() *Config {
	c, err := Parse()
	if err != nil {
		log.Fatal(err)
	}
	return c
}

func Parse() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	var c Config
	if err := env.Parse(&c); err != nil {
		return nil, err
	}
	return &c, nil
}
