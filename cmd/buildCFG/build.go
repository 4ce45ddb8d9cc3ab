package buildCFG

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/wb-go/wbf/config"
	"github.com/wb-go/wbf/dbpg"

	"memberhub/internal/mailer"
	"memberhub/internal/service"
)

type ServerConfig struct {
	Port string
}

type RabbitConfig struct {
	Url      string
	Exchange string
	Queue    string
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
	slaveDSNs := cfg.GetStringSlice("database.slave_dsns")

	opts := &dbpg.Options{
		MaxOpenConns:    cfg.GetInt("database.max_open_conns"),
		MaxIdleConns:    cfg.GetInt("database.max_idle_conns"),
		ConnMaxLifetime: time.Duration(cfg.GetInt("database.conn_max_lifetime_seconds")) * time.Second,
	}

	log.Info().Str("master", masterDSN).Int("slaves", len(slaveDSNs)).Msg("DB config built")
	return masterDSN, slaveDSNs, opts, nil
}

func BuildRabbitConfig(cfg *config.Config, log *zerolog.Logger) (RabbitConfig, error) {
	rc := RabbitConfig{
		Url:      cfg.GetString("rabbit.url"),
		Exchange: cfg.GetString("rabbit.exchange"),
		Queue:    cfg.GetString("rabbit.queue"),
	}
	if rc.Url == "" {
		return RabbitConfig{}, fmt.Errorf("rabbit.url is required")
	}
	if rc.Exchange == "" || rc.Queue == "" {
		return RabbitConfig{}, fmt.Errorf("rabbit.exchange and rabbit.queue are required")
	}
	log.Info().Str("exchange", rc.Exchange).Str("queue", rc.Queue).Msg("RabbitMQ config built")
	return rc, nil
}

func BuildSMTPConfig(cfg *config.Config, log *zerolog.Logger) (mailer.Config, error) {
	mc := mailer.Config{
		Host:     cfg.GetString("smtp.host"),
		Port:     cfg.GetInt("smtp.port"),
		From:     cfg.GetString("smtp.from"),
		Password: cfg.GetString("smtp.password"),
	}
	if mc.Host == "" || mc.From == "" {
		return mailer.Config{}, fmt.Errorf("smtp.host and smtp.from are required")
	}
	if mc.Port == 0 {
		mc.Port = 587
	}
	log.Info().Str("host", mc.Host).Str("from", mc.From).Msg("SMTP config built")
	return mc, nil
}

// BuildPolicyConfig reads the temporal windows, falling back to the product
// defaults (7d cooldown, 24h lock, 24h resend interval, 10m OTP TTL, 5
// attempts) for anything unset.
func BuildPolicyConfig(cfg *config.Config, log *zerolog.Logger) (service.Policy, error) {
	policy := service.DefaultPolicy()

	overrides := []struct {
		key  string
		dest *time.Duration
	}{
		{"policy.visibility_enable_cooldown", &policy.Visibility.EnableCooldown},
		{"policy.visibility_disable_lock", &policy.Visibility.DisableLock},
		{"policy.reminder_resend_interval", &policy.Reminder.ResendInterval},
		{"policy.otp_ttl", &policy.Mutation.OtpTTL},
		{"policy.mutation_request_ttl", &policy.Mutation.RequestTTL},
	}
	for _, o := range overrides {
		raw := cfg.GetString(o.key)
		if raw == "" {
			continue
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return service.Policy{}, fmt.Errorf("invalid duration for %s: %w", o.key, err)
		}
		*o.dest = d
	}

	if attempts := cfg.GetInt("policy.otp_max_attempts"); attempts > 0 {
		policy.Mutation.MaxOtpAttempts = attempts
	}

	log.Info().
		Dur("enable_cooldown", policy.Visibility.EnableCooldown).
		Dur("disable_lock", policy.Visibility.DisableLock).
		Dur("resend_interval", policy.Reminder.ResendInterval).
		Dur("otp_ttl", policy.Mutation.OtpTTL).
		Int("otp_max_attempts", policy.Mutation.MaxOtpAttempts).
		Msg("policy config built")
	return policy, nil
}
