package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Log     Log
	Redis   Redis
	HTTP    HTTP
	Worker  Worker
	Task    Task
	Archive Archive
}

type Log struct {
	Level string `env:"Log_Level" envDefault:"info"`
}

type Redis struct {
	Addr         string `env:"Redis_Address" envDefault:"127.0.0.1:6379"`
	Password     string `env:"Redis_Password"`
	DB           int    `env:"Redis_DB"`
	StreamKey    string `env:"Redis_StreamKey" envDefault:"bulkops:tasks"`
	Group        string `env:"Redis_Group" envDefault:"bulkops-workers"`
	ActiveZSet   string `env:"Redis_ActiveZSet" envDefault:"bulkops:active"`
	DLQStreamKey string `env:"Redis_DLQStreamKey" envDefault:"bulkops:tasks:dlq"`
}

type HTTP struct {
	Port           int      `env:"HTTP_Port" envDefault:"8080"`
	AllowedOrigins []string `env:"HTTP_AllowedOrigins" envSeparator:"," envDefault:"*"`
}

type Worker struct {
	Concurrency int           `env:"Worker_Concurrency" envDefault:"4"`
	CancelPoll  time.Duration `env:"Worker_CancelPoll" envDefault:"1s"`
	StaleAfter  time.Duration `env:"Worker_StaleAfter" envDefault:"2m"`
	ReaperSpec  string        `env:"Worker_ReaperSpec" envDefault:"@every 30s"`
	ExportDir   string        `env:"Worker_ExportDir" envDefault:"./exports"`
	ImportDir   string        `env:"Worker_ImportDir" envDefault:"./imports"`
}

type Task struct {
	RecordTTL time.Duration `env:"Task_RecordTTL" envDefault:"24h"`
}

type Archive struct {
	// DSN selects the history database: sqlite://<path>, postgres://... or
	// empty to disable the archive.
	DSN string `env:"Archive_DSN" envDefault:"sqlite://./bulkops.db"`
}

// Parse reads the configuration from the environment.
func Parse() (*Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return nil, err
	}
	return &c, nil
}

// Load reads an optional .env file, then the environment, and exits on error.
func Load() *Config {
	_ = godotenv.Load()

	c, err := Parse()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to parse configuration")
	}
	return c
}
