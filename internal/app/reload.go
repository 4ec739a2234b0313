package app

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"tickhub/internal/config"
	logx "tickhub/pkg/logx"
)

// reloadLoop applies every config published by the manager. Bursts are
// coalesced to the newest config.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			if newCfg == nil {
				continue
			}
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs, taskChanges := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)
	if len(taskChanges) > 0 {
		a.log.Debug("task changes detected", logx.Any("tasks", taskChanges))
	}

	if slices.Contains(sections, "storage") {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}
	if prev != nil && (prev.Activity.ActivitySource() != next.Activity.ActivitySource() ||
		strings.TrimSpace(prev.Activity.Path) != strings.TrimSpace(next.Activity.Path)) {
		a.log.Warn("activity source changed; restart required for changes to take effect")
	}

	a.logs.Apply(mapLoggingConfig(next))

	if lc, err := mapLoopConfig(next); err != nil {
		a.log.Warn("invalid loop config; keeping previous", logx.Err(err))
	} else {
		a.loop.Apply(lc)
	}

	if _, err := a.jobs.Sync(next.Tasks); err != nil {
		a.log.Warn("invalid tasks; keeping previous", logx.Err(err))
	}

	if ac, err := mapAdminConfig(next); err != nil {
		a.log.Warn("invalid admin config; keeping previous", logx.Err(err))
	} else {
		a.admin.Reconfigure(ctx, ac)
	}

	a.notify.Status(fmt.Sprintf("%d tasks", a.loop.Len()))
	a.log.Info("config reloaded", fields...)
}
