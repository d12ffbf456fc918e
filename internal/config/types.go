package config

// Config is the on-disk configuration (JSON, or YAML coerced to JSON).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "30m").
type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Driver holds the scheduler's boot-time options. They are read once at
	// startup; a hot reload that changes them only logs a warning.
	Driver DriverConfig `json:"driver"`

	Scripts      ScriptsConfig      `json:"scripts"`
	Storage      *StorageConfig     `json:"storage,omitempty"`
	Admin        AdminConfig        `json:"admin,omitempty"`
	Housekeeping HousekeepingConfig `json:"housekeeping,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	Format  string      `json:"format,omitempty"` // "console" (default) or "json"
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// DriverConfig maps onto driver.Options.
//
// Pointers distinguish "omitted" (use the default) from an explicit false.
//
// Defaults:
//   - heartbeat_interval: "1s"
//   - loop_protection: true
//   - resets_disabled: false
//   - lazy_resets: false
//   - randomized_resets: true
//   - reset_interval: "30m"
//   - defer_order: "fifo"
//   - eval_cost_limit: 1000000
//   - max_eval_time: "5s" ("0s" disables the watchdog)
//   - pass_interval: "100ms"
//   - actor_in_call_out: true
type DriverConfig struct {
	HeartbeatInterval string `json:"heartbeat_interval,omitempty"`
	LoopProtection    *bool  `json:"loop_protection,omitempty"`

	ResetsDisabled   bool   `json:"resets_disabled,omitempty"`
	LazyResets       bool   `json:"lazy_resets,omitempty"`
	RandomizedResets *bool  `json:"randomized_resets,omitempty"`
	ResetInterval    string `json:"reset_interval,omitempty"`

	DeferOrder string `json:"defer_order,omitempty"`

	EvalCostLimit int64  `json:"eval_cost_limit,omitempty"`
	MaxEvalTime   string `json:"max_eval_time,omitempty"`

	PassInterval   string `json:"pass_interval,omitempty"`
	ActorInCallOut *bool  `json:"actor_in_call_out,omitempty"`
}

// ScriptsConfig controls the JavaScript executor.
//
// Example:
//
//	"scripts": { "dir": "./scripts", "boot": ["clock", "room"] }
type ScriptsConfig struct {
	Dir  string   `json:"dir"`
	Boot []string `json:"boot,omitempty"`
	// EfunCost is charged per efun call (default 1).
	EfunCost int64 `json:"efun_cost,omitempty"`
}

// StorageConfig controls the incident store. Nil or driver "none" disables it.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./mudclock.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// AdminConfig controls the admin HTTP server (status, metrics, pprof).
//
// Prefer a loopback address. Binding elsewhere requires a token or an
// explicit allow_insecure.
type AdminConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:7070"
	Token         string `json:"token,omitempty"` // bearer token (never logged)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// HousekeepingConfig schedules host maintenance jobs. Schedules accept cron
// expressions, descriptors ("@hourly", "@every 10m"), Go durations ("10m")
// and "HH:MM" intervals. An empty schedule disables the job.
type HousekeepingConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`

	PruneIncidents    string `json:"prune_incidents,omitempty"`
	IncidentRetention string `json:"incident_retention,omitempty"` // default: "168h"

	StatusLog string `json:"status_log,omitempty"`
}
