package config

import (
	"reflect"
	"sort"
	"strings"

	"mudclock/pkg/logx"
)

// Sections that only take effect on restart.
var restartSections = map[string]bool{
	"driver":  true,
	"scripts": true,
	"storage": true,
}

// SummarizeConfigChange returns (1) the changed sections, (2) safe structured
// attrs for logging (tokens are never included), and (3) the changed
// sections that need a restart to take effect.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
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
			logx.String("logging.format", newCfg.Logging.Format),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Driver, newCfg.Driver) {
		changed = append(changed, "driver")
		attrs = append(attrs, driverAttrs(oldCfg.Driver, newCfg.Driver)...)
	}

	if strings.TrimSpace(oldCfg.Scripts.Dir) != strings.TrimSpace(newCfg.Scripts.Dir) ||
		!reflect.DeepEqual(oldCfg.Scripts.Boot, newCfg.Scripts.Boot) ||
		oldCfg.Scripts.EfunCost != newCfg.Scripts.EfunCost {
		changed = append(changed, "scripts")
		attrs = append(attrs,
			logx.String("scripts.dir", strings.TrimSpace(newCfg.Scripts.Dir)),
			logx.Int("scripts.boot_count", len(newCfg.Scripts.Boot)),
		)
	}

	oS, nS := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)
	if strings.TrimSpace(oS.Driver) != strings.TrimSpace(nS.Driver) ||
		strings.TrimSpace(oS.Path) != strings.TrimSpace(nS.Path) ||
		strings.TrimSpace(oS.BusyTimeout) != strings.TrimSpace(nS.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
		)
	}

	oA, nA := oldCfg.Admin, newCfg.Admin
	tokenChanged := oA.Token != nA.Token
	oA.Token, nA.Token = "", ""
	if tokenChanged || oA != nA {
		changed = append(changed, "admin")
		attrs = append(attrs,
			logx.Bool("admin.enabled", nA.Enabled),
			logx.String("admin.addr", strings.TrimSpace(nA.Addr)),
			logx.Bool("admin.token_set", strings.TrimSpace(newCfg.Admin.Token) != ""),
			logx.Bool("admin.pprof", nA.Pprof),
		)
	}

	if oldCfg.Housekeeping != newCfg.Housekeeping {
		changed = append(changed, "housekeeping")
		attrs = append(attrs,
			logx.Bool("housekeeping.enabled", newCfg.Housekeeping.Enabled),
			logx.String("housekeeping.prune_incidents", newCfg.Housekeeping.PruneIncidents),
			logx.String("housekeeping.status_log", newCfg.Housekeeping.StatusLog),
		)
	}

	sort.Strings(changed)
	var restart []string
	for _, s := range changed {
		if restartSections[s] {
			restart = append(restart, s)
		}
	}
	return changed, attrs, restart
}

// driverAttrs lists only the driver keys that differ.
func driverAttrs(o, n DriverConfig) []logx.Field {
	var out []logx.Field
	str := func(k, a, b string) {
		if strings.TrimSpace(a) != strings.TrimSpace(b) {
			out = append(out, logx.String("driver."+k, strings.TrimSpace(b)))
		}
	}
	flag := func(k string, a, b *bool) {
		if !reflect.DeepEqual(a, b) {
			v := "default"
			if b != nil {
				v = boolString(*b)
			}
			out = append(out, logx.String("driver."+k, v))
		}
	}
	str("heartbeat_interval", o.HeartbeatInterval, n.HeartbeatInterval)
	str("reset_interval", o.ResetInterval, n.ResetInterval)
	str("defer_order", o.DeferOrder, n.DeferOrder)
	str("max_eval_time", o.MaxEvalTime, n.MaxEvalTime)
	str("pass_interval", o.PassInterval, n.PassInterval)
	flag("loop_protection", o.LoopProtection, n.LoopProtection)
	flag("randomized_resets", o.RandomizedResets, n.RandomizedResets)
	flag("actor_in_call_out", o.ActorInCallOut, n.ActorInCallOut)
	if o.ResetsDisabled != n.ResetsDisabled {
		out = append(out, logx.Bool("driver.resets_disabled", n.ResetsDisabled))
	}
	if o.LazyResets != n.LazyResets {
		out = append(out, logx.Bool("driver.lazy_resets", n.LazyResets))
	}
	if o.EvalCostLimit != n.EvalCostLimit {
		out = append(out, logx.Int64("driver.eval_cost_limit", n.EvalCostLimit))
	}
	return out
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}
