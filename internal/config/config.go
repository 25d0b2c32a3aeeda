package config

import (
	"github.com/caarlos0/env/v6"
	"log"
	"sync"
)

// Config is the process-wide configuration, populated once from the
// environment. Every field maps to one of the service's ambient knobs:
// where rows live, which relay to speak SMTP to, and how often the
// scheduler fires.
type Config struct {
	DbURI string `env:"NOTIFYD_DB_URI" envDefault:"./notifyd.sqlite"`

	SMTPHost    string `env:"NOTIFYD_SMTP_HOST" envDefault:"127.0.0.1"`
	SMTPPort    int    `env:"NOTIFYD_SMTP_PORT" envDefault:"25"`
	SMTPHelo    string `env:"NOTIFYD_SMTP_HELO" envDefault:"notifyd"`
	SMTPTimeout int    `env:"NOTIFYD_SMTP_TIMEOUT_SECONDS" envDefault:"30"`

	DispatchIntervalMinutes int `env:"NOTIFYD_DISPATCH_INTERVAL_MINUTES" envDefault:"5"`
	DefaultMaxRetries       int `env:"NOTIFYD_DEFAULT_MAX_RETRIES" envDefault:"3"`

	DirectoryCacheTTLSeconds int `env:"NOTIFYD_DIRECTORY_CACHE_TTL_SECONDS" envDefault:"300"`

	APIPort int `env:"NOTIFYD_API_PORT" envDefault:"8080"`

	MetricsPushURL             string `env:"NOTIFYD_METRICS_PUSH_URL"` // pushgateway address, blank disables push
	MetricsPushIntervalSeconds int    `env:"NOTIFYD_METRICS_PUSH_INTERVAL_SECONDS" envDefault:"60"`
}

var (
	once sync.Once
	cfg  Config
)

func Get() *Config {
	once.Do(func() {
		cfg = Config{}
		if err := env.Parse(&cfg); err != nil {
			log.Panic("Couldn't parse Config from env: ", err)
		}
	})
	return &cfg
}
