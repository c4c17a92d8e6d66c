package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/robfig/cron/v3"

	"github.com/dshills/flowstudio/pkg/logging"
)

// Autosaver saves a session on a fixed interval while it is dirty.
// Ticks that would overlap a save still in progress are skipped.
type Autosaver struct {
	session *Session
	logger  hclog.Logger
	cron    *cron.Cron

	mu  sync.Mutex
	ctx context.Context
}

// NewAutosaver schedules saves of s every interval (at least one second).
// Call Start to begin.
func NewAutosaver(s *Session, interval time.Duration, logger hclog.Logger) (*Autosaver, error) {
	if interval < time.Second {
		return nil, fmt.Errorf("autosave interval must be at least 1s, got %s", interval)
	}
	logger = logging.OrNull(logger).Named("autosave")
	cl := cronLogger{logger}

	a := &Autosaver{
		session: s,
		logger:  logger,
		cron:    cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)), cron.WithLogger(cl)),
		ctx:     context.Background(),
	}
	if _, err := a.cron.AddFunc("@every "+interval.String(), a.tick); err != nil {
		return nil, fmt.Errorf("failed to schedule autosave: %w", err)
	}
	return a, nil
}

// Start begins saving in the background. Saves run with ctx, which should
// carry the caller identity.
func (a *Autosaver) Start(ctx context.Context) {
	a.mu.Lock()
	a.ctx = ctx
	a.mu.Unlock()
	a.cron.Start()
}

// Stop waits for a running save, then saves once more so that edits made
// since the last tick are not lost. It reports whether that final save
// succeeded.
func (a *Autosaver) Stop(ctx context.Context) bool {
	<-a.cron.Stop().Done()
	return a.Flush(ctx)
}

// Flush saves immediately if the session is dirty
func (a *Autosaver) Flush(ctx context.Context) bool {
	if !a.session.IsDirty() {
		return true
	}
	if err := a.session.SaveE(ctx); err != nil {
		return false
	}
	a.logger.Debug("workflow saved", "workflow_id", a.session.ID())
	return true
}

func (a *Autosaver) tick() {
	a.mu.Lock()
	ctx := a.ctx
	a.mu.Unlock()
	a.Flush(ctx)
}

// cronLogger routes cron's own messages to hclog
type cronLogger struct {
	l hclog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Trace(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
