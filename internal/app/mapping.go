package app

import (
	"errors"
	"strings"
	"time"

	"tickhub/internal/admin"
	"tickhub/internal/config"
	"tickhub/internal/jobs"
	"tickhub/internal/loop"
	"tickhub/internal/storage"
	logx "tickhub/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapLoopConfig(cfg *config.Config) (loop.Config, error) {
	tick, err := config.ParseDurationOrDefault("loop.tick_period", cfg.Loop.TickPeriod, loop.DefaultTickPeriod)
	if err != nil {
		return loop.Config{}, err
	}
	spacing, err := config.ParseDurationOrDefault("loop.default_spacing", cfg.Loop.DefaultSpacing, loop.DefaultSpacing)
	if err != nil {
		return loop.Config{}, err
	}
	interval, err := config.ParseDurationOrDefault("loop.default_interval", cfg.Loop.DefaultInterval, loop.DefaultIntervalSpacing)
	if err != nil {
		return loop.Config{}, err
	}
	return loop.Config{TickPeriod: tick, DefaultSpacing: spacing, DefaultInterval: interval}, nil
}

// mapStorageConfig reports enabled=false when no store is configured.
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" || driver == "disabled" {
		return storage.Config{}, false, nil
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(sc.Path),
		BusyTimeout: busy,
		Retention:   sc.Retention,
	}, true, nil
}

func mapAdminConfig(cfg *config.Config) (admin.Config, error) {
	ac := cfg.Admin
	read, err := config.ParseDurationOrDefault("admin.read_timeout", ac.ReadTimeout, 10*time.Second)
	if err != nil {
		return admin.Config{}, err
	}
	// 0 keeps /debug/pprof/profile usable.
	write, err := config.ParseDurationOrDefault("admin.write_timeout", ac.WriteTimeout, 0)
	if err != nil {
		return admin.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("admin.idle_timeout", ac.IdleTimeout, 60*time.Second)
	if err != nil {
		return admin.Config{}, err
	}
	addr := strings.TrimSpace(ac.Addr)
	if addr == "" {
		addr = admin.DefaultAddr
	}
	return admin.Config{
		Enabled:       ac.Enabled,
		Addr:          addr,
		Token:         strings.TrimSpace(ac.Token),
		AllowInsecure: ac.AllowInsecure,
		Pprof:         ac.Pprof,
		PprofPrefix:   ac.PprofPrefix,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}

// ValidateConfig runs every mapping plus task compilation, so a config that
// passes here can be applied without errors. Used as the config manager's
// validation hook and by the validate command.
func ValidateConfig(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	var errs []error
	if _, err := mapLoopConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapAdminConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := jobs.CompileAll(cfg.Tasks, jobs.Env{}); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// OpenStore opens the history store configured in cfg; nil when disabled.
func OpenStore(cfg *config.Config, log logx.Logger) (storage.Store, error) {
	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil || !enabled {
		return nil, err
	}
	return storage.Open(sc, log)
}
