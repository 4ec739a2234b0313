package config

import (
	"sort"
	"strings"

	logx "tickhub/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like tokens),
// and (3) the names of tasks that were added, removed or changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Loop != newCfg.Loop {
		changed = append(changed, "loop")
		attrs = append(attrs,
			logx.String("loop.tick_period", strings.TrimSpace(newCfg.Loop.TickPeriod)),
			logx.String("loop.default_spacing", strings.TrimSpace(newCfg.Loop.DefaultSpacing)),
			logx.String("loop.default_interval", strings.TrimSpace(newCfg.Loop.DefaultInterval)),
		)
	}

	if oldCfg.Activity != newCfg.Activity {
		changed = append(changed, "activity")
		attrs = append(attrs,
			logx.String("activity.source", newCfg.Activity.ActivitySource()),
			logx.String("activity.path", strings.TrimSpace(newCfg.Activity.Path)),
		)
	}

	// Storage: nil means disabled.
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
			logx.Int("storage.retention", nS.Retention),
		)
	}

	// Admin (never log token)
	oA, nA := oldCfg.Admin, newCfg.Admin
	oTok, nTok := strings.TrimSpace(oA.Token), strings.TrimSpace(nA.Token)
	oA.Token, nA.Token = "", ""
	if oA != nA || oTok != nTok {
		changed = append(changed, "admin")
		attrs = append(attrs,
			logx.Bool("admin.enabled", nA.Enabled),
			logx.String("admin.addr", strings.TrimSpace(nA.Addr)),
			logx.Bool("admin.token_set", nTok != ""),
			logx.Bool("admin.allow_insecure", nA.AllowInsecure),
			logx.Bool("admin.pprof", nA.Pprof),
		)
	}

	if oldCfg.Systemd != newCfg.Systemd {
		changed = append(changed, "systemd")
		attrs = append(attrs, logx.Bool("systemd.notify", newCfg.Systemd.Notify))
	}

	taskChanged := diffTasks(oldCfg.Tasks, newCfg.Tasks)
	if len(taskChanged) > 0 {
		changed = append(changed, "tasks")
		attrs = append(attrs,
			logx.Int("tasks.changed_count", len(taskChanged)),
			logx.Int("tasks.count", len(newCfg.Tasks)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, taskChanged
}

func diffTasks(oldT, newT []TaskConfig) []string {
	index := func(ts []TaskConfig) map[string]uint64 {
		m := make(map[string]uint64, len(ts))
		for _, t := range ts {
			m[strings.TrimSpace(t.Name)] = HashJSON(t)
		}
		return m
	}
	o, n := index(oldT), index(newT)

	out := make([]string, 0)
	for name, h := range o {
		if nh, ok := n[name]; !ok || nh != h {
			out = append(out, name)
		}
	}
	for name := range n {
		if _, ok := o[name]; !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
