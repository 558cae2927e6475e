package config

import (
	"reflect"
	"sort"
	"strings"

	logx "pingcast/pkg/logx"
)

// hotSections can be applied without a restart.
var hotSections = map[string]bool{
	"logging":  true,
	"rotation": true,
}

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs for logging. Secrets (api keys, tokens, DSNs, hashes) are
// reported only as "set" flags.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
			logx.Bool("http.admin_token_set", strings.TrimSpace(newCfg.HTTP.AdminToken) != ""),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof),
		)
	}

	if !reflect.DeepEqual(oldCfg.Push, newCfg.Push) {
		changed = append(changed, "push")
		attrs = append(attrs,
			logx.String("push.driver", strings.TrimSpace(newCfg.Push.Driver)),
			logx.Bool("push.api_key_set", strings.TrimSpace(newCfg.Push.APIKey) != ""),
			logx.Int("push.rate_per_sec", newCfg.Push.RatePerSec),
		)
	}

	if !reflect.DeepEqual(oldCfg.Rotation, newCfg.Rotation) {
		changed = append(changed, "rotation")
		attrs = append(attrs,
			logx.String("rotation.schedule", strings.TrimSpace(newCfg.Rotation.Schedule)),
			logx.String("rotation.timezone", strings.TrimSpace(newCfg.Rotation.Timezone)),
			logx.String("rotation.heartbeat", strings.TrimSpace(newCfg.Rotation.Heartbeat)),
			logx.Int("rotation.retry_max", retryMax(newCfg.Rotation)),
		)
	}

	if oldCfg.Session != newCfg.Session {
		changed = append(changed, "session")
		attrs = append(attrs, logx.String("session.ttl", strings.TrimSpace(newCfg.Session.TTL)))
	}

	if !reflect.DeepEqual(oldCfg.Groups, newCfg.Groups) {
		changed = append(changed, "groups")
		attrs = append(attrs, logx.Strings("groups", newCfg.Groups))
	}

	if !reflect.DeepEqual(oldCfg.Auth, newCfg.Auth) {
		changed = append(changed, "auth")
		attrs = append(attrs,
			logx.Int("auth.user_count", len(newCfg.Auth.Users)),
			logx.Bool("auth.dev_password_set", newCfg.Auth.DevPassword != ""),
		)
	}

	oTE := derefTaskEngine(oldCfg.TaskEngine)
	nTE := derefTaskEngine(newCfg.TaskEngine)
	if !reflect.DeepEqual(oTE, nTE) {
		changed = append(changed, "task_engine")
		attrs = append(attrs,
			logx.Int("task_engine.workers", nTE.Workers),
			logx.Int("task_engine.queue_size", nTE.QueueSize),
			logx.String("task_engine.shutdown_grace", strings.TrimSpace(nTE.ShutdownGrace)),
		)
	}

	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(nS.DSN) != ""),
		)
	}

	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "metrics")
		attrs = append(attrs, logx.Bool("metrics.enabled", newCfg.Metrics.Enabled))
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired filters changed down to sections that only take effect after a restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, c := range changed {
		if !hotSections[c] {
			out = append(out, c)
		}
	}
	return out
}

func retryMax(r RotationConfig) int {
	if r.RetryMax == nil {
		return DefaultRetryMax
	}
	return *r.RetryMax
}

// RetryChanged reports whether the retry bound or interval differs.
func RetryChanged(oldCfg, newCfg *Config) bool {
	if oldCfg == nil || newCfg == nil {
		return false
	}
	return retryMax(oldCfg.Rotation) != retryMax(newCfg.Rotation) ||
		strings.TrimSpace(oldCfg.Rotation.RetryInterval) != strings.TrimSpace(newCfg.Rotation.RetryInterval)
}
