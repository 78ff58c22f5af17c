package main

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Addr string `env:"APP_ADDR" envDefault:":8080"`
	Env  string `env:"APP_ENV" envDefault:"dev"`

	// Webhook endpoints of the chat-platform adapter. An empty mailbox URL
	// falls back to log-only escalation; an empty courier URL is a startup
	// error since direct delivery is the whole point.
	CourierWebhookURL string `env:"COURIER_WEBHOOK_URL"`
	MailboxWebhookURL string `env:"MAILBOX_WEBHOOK_URL"`

	RateLimitRPS    float64       `env:"RATE_LIMIT_RPS" envDefault:"5"`
	RateLimitBurst  int           `env:"RATE_LIMIT_BURST" envDefault:"10"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"5s"`
}

func loadConfig() (Config, error) {
	// Optional .env for local runs; real deployments set the environment.
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func initLogging(envName string) {
	zerolog.TimeFieldFormat = time.RFC3339
	if envName == "dev" {
		cw := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		log.Logger = zerolog.New(cw).With().Timestamp().Logger()
		return
	}
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}
