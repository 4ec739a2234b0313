package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "5s", "1m").
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Loop     LoopConfig     `json:"loop"`
	Activity ActivityConfig `json:"activity"`

	// Storage is optional; nil disables run history.
	Storage *StorageConfig `json:"storage,omitempty"`
	Admin   AdminConfig    `json:"admin,omitempty"`
	Systemd SystemdConfig  `json:"systemd,omitempty"`

	Tasks []TaskConfig `json:"tasks"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoopConfig controls the shared polling loop.
//
// Defaults (when fields are omitted/empty):
//   - tick_period: "5s"
//   - default_spacing: "60s" (cron tasks)
//   - default_interval: "5s" (interval tasks)
type LoopConfig struct {
	TickPeriod      string `json:"tick_period,omitempty"`
	DefaultSpacing  string `json:"default_spacing,omitempty"`
	DefaultInterval string `json:"default_interval,omitempty"`
}

// Activity sources.
const (
	ActivityAlways = "always"
	ActivityFile   = "file"
	ActivityHTTP   = "http"
)

// ActivityConfig selects where the active/inactive signal comes from.
//
//	"activity": { "source": "file", "path": "/run/tickhub/state" }
//
// Source "http" is driven by PUT /activity on the admin server and is not
// hot-swappable: changing the source requires a restart.
type ActivityConfig struct {
	Source string `json:"source,omitempty"` // default: "always"
	Path   string `json:"path,omitempty"`   // required for "file"
	// Initial state for "http" (default active).
	StartInactive bool `json:"start_inactive,omitempty"`
}

// StorageConfig controls the run history store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./tickhub.db", "retention": 5000 }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
	// Retention caps the number of kept run records (0 = default 10000).
	Retention int `json:"retention,omitempty"`
}

// AdminConfig controls the optional admin HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:7070").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type AdminConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:7070"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Pprof mounts net/http/pprof under PprofPrefix (default "/debug/pprof/").
	Pprof       bool   `json:"pprof,omitempty"`
	PprofPrefix string `json:"pprof_prefix,omitempty"`

	// WriteTimeout defaults to 0 (disabled) so pprof /profile works.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// SystemdConfig enables sd_notify readiness and watchdog pings. It is a no-op
// when the process is not started by systemd.
type SystemdConfig struct {
	Notify bool `json:"notify"`
}

// TaskConfig declares one loop task.
//
// Exactly one of Interval or Cron must be set.
type TaskConfig struct {
	Name     string       `json:"name"`
	Interval string       `json:"interval,omitempty"`
	Cron     string       `json:"cron,omitempty"`
	Spacing  string       `json:"spacing,omitempty"`
	Frozen   bool         `json:"frozen,omitempty"`
	Action   ActionConfig `json:"action"`
}

// Action types.
const (
	ActionLog     = "log"
	ActionExec    = "exec"
	ActionSystemd = "systemd"
)

type ActionConfig struct {
	Type string `json:"type"`

	// log
	Message string `json:"message,omitempty"`
	Level   string `json:"level,omitempty"`

	// exec
	Command []string `json:"command,omitempty"`
	Dir     string   `json:"dir,omitempty"`
	Env     []string `json:"env,omitempty"`
	Timeout string   `json:"timeout,omitempty"` // exec and systemd; default: "30s"

	// systemd: op is start|stop|restart|reload|try-restart|ensure-active
	// (default "restart").
	Unit string `json:"unit,omitempty"`
	Op   string `json:"op,omitempty"`
}
