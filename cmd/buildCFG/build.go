package buildCFG

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/wb-go/wbf/config"
	"github.com/wb-go/wbf/dbpg"

	"eventbot/internal/mailer"
)

type ServerConfig struct {
	Port string
}

func BuildServerConfig(cfg *config.Config, log *zerolog.Logger) ServerConfig {
	port := cfg.GetString("server.port")
	if port == "" {
		port = "8080"
		log.Warn().Msg("server.port not set, defaulting to 8080")
	}
	return ServerConfig{Port: port}
}

func BuildDBConfig(cfg *config.Config, log *zerolog.Logger) (string, []string, *dbpg.Options, error) {
	masterDSN := cfg.GetString("database.master_dsn")
	if masterDSN == "" {
		return "", nil, nil, fmt.Errorf("database.master_dsn is required")
	}

	var slaveDSNs []string
	if raw := cfg.GetString("database.slave_dsns"); raw != "" {
		for _, dsn := range strings.Split(raw, ",") {
			if dsn = strings.TrimSpace(dsn); dsn != "" {
				slaveDSNs = append(slaveDSNs, dsn)
			}
		}
	}

	opts := &dbpg.Options{
		MaxOpenConns:    cfg.GetInt("database.max_open_conns"),
		MaxIdleConns:    cfg.GetInt("database.max_idle_conns"),
		ConnMaxLifetime: time.Duration(cfg.GetInt("database.conn_max_lifetime_minutes")) * time.Minute,
	}
	if opts.MaxOpenConns == 0 {
		opts.MaxOpenConns = 10
	}
	if opts.MaxIdleConns == 0 {
		opts.MaxIdleConns = 5
	}

	log.Info().Int("max_open_conns", opts.MaxOpenConns).Msg("DB config built")
	return masterDSN, slaveDSNs, opts, nil
}

// RabbitConfig carries both queues riding the same broker: delayed
// expiry sweeps and outbound notification intents.
type RabbitConfig struct {
	URL            string
	ExpiryExchange string
	ExpiryQueue    string
	NotifyExchange string
	NotifyQueue    string
}

func BuildRabbitConfig(cfg *config.Config, log *zerolog.Logger) (RabbitConfig, error) {
	rc := RabbitConfig{
		URL:            cfg.GetString("rabbit.url"),
		ExpiryExchange: cfg.GetString("rabbit.expiry.exchange"),
		ExpiryQueue:    cfg.GetString("rabbit.expiry.queue"),
		NotifyExchange: cfg.GetString("rabbit.notify.exchange"),
		NotifyQueue:    cfg.GetString("rabbit.notify.queue"),
	}
	if rc.URL == "" {
		return RabbitConfig{}, fmt.Errorf("rabbit.url is required")
	}
	if rc.ExpiryExchange == "" || rc.ExpiryQueue == "" {
		return RabbitConfig{}, fmt.Errorf("rabbit.expiry exchange and queue are required")
	}
	if rc.NotifyExchange == "" || rc.NotifyQueue == "" {
		return RabbitConfig{}, fmt.Errorf("rabbit.notify exchange and queue are required")
	}

	log.Info().Str("url", rc.URL).Msg("RabbitMQ config built")
	return rc, nil
}

// AppConfig groups the non-infrastructure knobs.
type AppConfig struct {
	FlowIdleTimeout time.Duration
	Mailer          mailer.Config
}

func BuildAppConfig(cfg *config.Config, log *zerolog.Logger) AppConfig {
	app := AppConfig{
		FlowIdleTimeout: time.Duration(cfg.GetInt("flow.idle_timeout_minutes")) * time.Minute,
		Mailer: mailer.Config{
			Host:       cfg.GetString("mailer.host"),
			Port:       cfg.GetInt("mailer.port"),
			From:       cfg.GetString("mailer.from"),
			Password:   cfg.GetString("mailer.password"),
			AdminEmail: cfg.GetString("mailer.admin_email"),
		},
	}
	if app.FlowIdleTimeout <= 0 {
		app.FlowIdleTimeout = time.Hour
		log.Warn().Msg("flow.idle_timeout_minutes not set, defaulting to 1h")
	}
	return app
}
