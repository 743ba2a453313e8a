package config

import (
	"reflect"
	"sort"
	"strings"

	"chatcore/pkg/logx"
)

// SummarizeChange lists the config sections that differ between two
// snapshots, with log fields safe to print (secrets only as "set" flags).
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	fields := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		fields = append(fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.forward", newCfg.Logging.Forward.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		fields = append(fields, logx.String("http.addr", newCfg.HTTP.Addr))
	}
	if !reflect.DeepEqual(oldCfg.Transport, newCfg.Transport) {
		changed = append(changed, "transport")
		fields = append(fields,
			logx.String("transport.driver", newCfg.Transport.Driver),
			logx.String("transport.redis.addr", newCfg.Transport.Redis.Addr),
			logx.Bool("transport.redis.password_set", strings.TrimSpace(newCfg.Transport.Redis.Password) != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		fields = append(fields, logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if names := changedKeys(oldCfg.RateLimits, newCfg.RateLimits); len(names) > 0 {
		changed = append(changed, "rate_limits")
		fields = append(fields, logx.Strings("rate_limits.changed", names))
	}
	if names := changedKeys(oldCfg.Caches, newCfg.Caches); len(names) > 0 {
		changed = append(changed, "caches")
		fields = append(fields, logx.Strings("caches.changed", names))
	}
	if !reflect.DeepEqual(oldCfg.Broadcast, newCfg.Broadcast) {
		changed = append(changed, "broadcast")
		fields = append(fields,
			logx.Int("broadcast.max_retries", newCfg.Broadcast.MaxRetries),
			logx.String("broadcast.retry_delay", newCfg.Broadcast.RetryDelay),
			logx.String("broadcast.ordering", newCfg.Broadcast.Ordering),
		)
	}
	if !reflect.DeepEqual(oldCfg.Audit, newCfg.Audit) {
		changed = append(changed, "audit")
		fields = append(fields,
			logx.Bool("audit.enabled", newCfg.Audit.Enabled),
			logx.Bool("audit.telegram.enabled", newCfg.Audit.Telegram.Enabled),
			logx.Bool("audit.telegram.token_set", strings.TrimSpace(newCfg.Audit.Telegram.Token) != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Maintenance, newCfg.Maintenance) {
		changed = append(changed, "maintenance")
	}
	return changed, fields
}

func changedKeys[V any](a, b map[string]V) []string {
	seen := map[string]bool{}
	var out []string
	for k, av := range a {
		seen[k] = true
		if bv, ok := b[k]; !ok || !reflect.DeepEqual(av, bv) {
			out = append(out, k)
		}
	}
	for k := range b {
		if !seen[k] {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
