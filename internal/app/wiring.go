package app

import (
	"context"
	"fmt"

	"pingcast/internal/auth"
	"pingcast/internal/config"
	"pingcast/internal/httpapi"
	"pingcast/internal/ping"
	"pingcast/internal/push"
	"pingcast/internal/storage"
	"pingcast/internal/task/engine"
	"pingcast/internal/task/scheduler"
	logx "pingcast/pkg/logx"
)

func logConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func engineConfig(s config.Settings) engine.Config {
	return engine.Config{
		Enabled:        s.TaskEngine.Enabled,
		Workers:        s.TaskEngine.Workers,
		QueueSize:      s.TaskEngine.QueueSize,
		DefaultTimeout: s.TaskEngine.DefaultTimeout,
		MaxQueueDelay:  s.TaskEngine.MaxQueueDelay,
		HistorySize:    s.TaskEngine.HistorySize,
	}
}

func schedulerConfig(s config.Settings) scheduler.Config {
	return scheduler.Config{Enabled: true, Timezone: s.Rotation.Timezone}
}

func pingConfig(s config.Settings) ping.Config {
	return ping.Config{
		Groups:        s.Groups,
		SessionTTL:    s.SessionTTL,
		MaxRetries:    s.Rotation.RetryMax,
		RetryInterval: s.Rotation.RetryInterval,
	}
}

func storageConfig(s config.Settings) storage.Config {
	return storage.Config{
		Driver:      s.Storage.Driver,
		Path:        s.Storage.Path,
		DSN:         s.Storage.DSN,
		BusyTimeout: s.Storage.BusyTimeout,
	}
}

func serverConfig(s config.Settings) httpapi.Config {
	return httpapi.Config{
		Addr:         s.HTTP.Addr,
		ReadTimeout:  s.HTTP.ReadTimeout,
		WriteTimeout: s.HTTP.WriteTimeout,
		IdleTimeout:  s.HTTP.IdleTimeout,
	}
}

// newPushClient returns the configured provider client.
func newPushClient(s config.Settings, log logx.Logger) (push.Client, error) {
	switch s.Push.Driver {
	case "memory":
		log.Warn("push driver is memory; nothing leaves this process")
		return push.NewMemory(), nil
	case "fcm":
		return push.NewFCM(push.FCMConfig{
			APIKey:     s.Push.APIKey,
			SendURL:    s.Push.SendURL,
			IIDURL:     s.Push.IIDURL,
			Timeout:    s.Push.Timeout,
			RatePerSec: s.Push.RatePerSec,
			Burst:      s.Push.Burst,
			BatchSize:  s.Push.BatchSize,
		}, log)
	default:
		return nil, fmt.Errorf("push.driver: unknown driver %q", s.Push.Driver)
	}
}

func newVerifier(cfg *config.Config, log logx.Logger) (*auth.Verifier, error) {
	return auth.NewVerifier(cfg.Auth.Users, cfg.Auth.DevPassword, auth.DefaultParams(), log)
}

// validator rejects reloads that do not resolve.
func validator(ctx context.Context, cfg *config.Config) error {
	_, err := config.Resolve(cfg)
	return err
}
