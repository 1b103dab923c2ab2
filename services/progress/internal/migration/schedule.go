package migration

import (
	"context"
	"strings"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// NewScheduler registers jobs to run on spec (standard five-field cron).
// It returns nil when spec is empty. Overlapping ticks are skipped.
func NewScheduler(ctx context.Context, spec string, log *zap.Logger, jobs ...*Job) (*cron.Cron, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, nil
	}
	if log == nil {
		log = zap.NewNop()
	}
	cl := cronLogger{log.Sugar()}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	_, err := c.AddFunc(spec, func() {
		for i, j := range jobs {
			st, err := j.Run(ctx)
			if err != nil {
				log.Error("migration run failed", zap.Int("job", i), zap.Int64("cursor", j.Cursor()), zap.Error(err))
				continue
			}
			if st.Copied > 0 {
				log.Info("migration run finished",
					zap.Int("job", i), zap.Int("scanned", st.Scanned),
					zap.Int("copied", st.Copied), zap.Int("skipped", st.Skipped))
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
