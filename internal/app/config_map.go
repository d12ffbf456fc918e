package app

import (
	"fmt"
	"strings"

	"mudclock/internal/admin"
	"mudclock/internal/config"
	"mudclock/internal/driver"
	"mudclock/internal/driver/callout"
	"mudclock/internal/housekeeping"
	"mudclock/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		Format:  cfg.Logging.Format,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// mapDriverOptions builds the boot-time driver options. Omitted fields keep
// driver.DefaultOptions.
func mapDriverOptions(cfg *config.Config) (driver.Options, error) {
	def := driver.DefaultOptions()
	dc := cfg.Driver
	o := def

	var err error
	if o.HeartbeatInterval, err = config.ParseDurationOrDefault("driver.heartbeat_interval", dc.HeartbeatInterval, def.HeartbeatInterval); err != nil {
		return driver.Options{}, err
	}
	if o.ResetInterval, err = config.ParseDurationOrDefault("driver.reset_interval", dc.ResetInterval, def.ResetInterval); err != nil {
		return driver.Options{}, err
	}
	if o.PassInterval, err = config.ParseDurationOrDefault("driver.pass_interval", dc.PassInterval, def.PassInterval); err != nil {
		return driver.Options{}, err
	}
	// An explicit "0s" turns the watchdog off.
	if strings.TrimSpace(dc.MaxEvalTime) != "" {
		if o.MaxEvalTime, err = config.ParseDurationField("driver.max_eval_time", dc.MaxEvalTime); err != nil {
			return driver.Options{}, err
		}
	}

	o.LoopProtection = config.BoolOr(dc.LoopProtection, def.LoopProtection)
	o.RandomizedResets = config.BoolOr(dc.RandomizedResets, def.RandomizedResets)
	o.ActorInCallOut = config.BoolOr(dc.ActorInCallOut, def.ActorInCallOut)
	o.ResetsDisabled = dc.ResetsDisabled
	o.LazyResets = dc.LazyResets

	if dc.EvalCostLimit < 0 {
		return driver.Options{}, fmt.Errorf("driver.eval_cost_limit must be >= 0")
	}
	if dc.EvalCostLimit > 0 {
		o.EvalCostLimit = dc.EvalCostLimit
	}

	order, err := callout.ParseOrder(dc.DeferOrder)
	if err != nil {
		return driver.Options{}, fmt.Errorf("driver.defer_order: %w", err)
	}
	if order != callout.OrderDefault {
		o.DeferOrder = order
	}

	if err := o.Validate(); err != nil {
		return driver.Options{}, fmt.Errorf("driver: %w", err)
	}
	return o, nil
}

func mapAdminConfig(cfg *config.Config) (admin.Config, error) {
	ac := cfg.Admin
	out := admin.Config{
		Enabled:       ac.Enabled,
		Addr:          strings.TrimSpace(ac.Addr),
		Token:         strings.TrimSpace(ac.Token),
		AllowInsecure: ac.AllowInsecure,
		Pprof:         ac.Pprof,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationField("admin.read_timeout", ac.ReadTimeout); err != nil {
		return admin.Config{}, err
	}
	if out.WriteTimeout, err = config.ParseDurationField("admin.write_timeout", ac.WriteTimeout); err != nil {
		return admin.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationField("admin.idle_timeout", ac.IdleTimeout); err != nil {
		return admin.Config{}, err
	}
	return out, nil
}

func mapHousekeepingConfig(cfg *config.Config) (housekeeping.Config, error) {
	hc := cfg.Housekeeping
	keep, err := config.ParseDurationOrDefault("housekeeping.incident_retention", hc.IncidentRetention, housekeeping.DefaultIncidentRetention)
	if err != nil {
		return housekeeping.Config{}, err
	}
	out := housekeeping.Config{
		Enabled:           hc.Enabled,
		Timezone:          strings.TrimSpace(hc.Timezone),
		PruneIncidents:    strings.TrimSpace(hc.PruneIncidents),
		IncidentRetention: keep,
		StatusLog:         strings.TrimSpace(hc.StatusLog),
	}
	if err := out.Validate(); err != nil {
		return housekeeping.Config{}, err
	}
	return out, nil
}

// ValidateConfig checks every section the way startup maps it.
func ValidateConfig(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if _, err := mapDriverOptions(cfg); err != nil {
		return err
	}
	if cfg.Scripts.EfunCost < 0 {
		return fmt.Errorf("scripts.efun_cost must be >= 0")
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapAdminConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHousekeepingConfig(cfg); err != nil {
		return err
	}
	return nil
}
