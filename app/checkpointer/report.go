package checkpointer

import (
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// SetupScheduler registers the periodic status summary.
func (a *App) SetupScheduler(spec string) error {
	// Seconds field, optional
	a.Cron = cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	_, err := a.Cron.AddFunc(spec, a.Report)
	return err
}

// Report logs one line per pool.
func (a *App) Report() {
	for _, pool := range a.Pools() {
		s, ok := a.Status.Load(pool.Address.String())
		if !ok {
			continue
		}
		fields := []zap.Field{
			zap.String("pool", s.Pool),
			zap.Stringer("state", s.State),
			zap.Uint64("cursor", s.Cursor),
			zap.Int64("last_rebase", s.LastRebase),
			zap.Int("remaining", s.Remaining),
			zap.Int("submitted", s.Submitted),
			zap.Int("completed", s.Completed),
		}
		if s.LastError != "" {
			fields = append(fields, zap.String("last_error", s.LastError), zap.Time("last_error_at", s.LastErrorAt))
		}
		a.Logger.Info("[checkpointer] status", fields...)
	}
}
