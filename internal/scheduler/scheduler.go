// Package scheduler triggers dispatch runs from inside the server process on
// a cron schedule. It is an alternative to the HTTP trigger, not a part of the
// dispatcher.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"CoachMail/internal/models"
)

type Runner interface {
	ProcessScheduledEmails(ctx context.Context) (*models.DispatchResult, error)
}

type Scheduler struct {
	cron    *cron.Cron
	entry   cron.EntryID
	runner  Runner
	timeout time.Duration
	log     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// New registers runner under expr, a standard five field cron expression or
// a descriptor such as "@every 1m". timeout stops a run from claiming new
// rows; sends already claimed still finish. Zero means no bound.
func New(expr string, runner Runner, timeout time.Duration, logger *zap.Logger) (*Scheduler, error) {
	clog := cronLogger{log: logger.Sugar()}

	c := cron.New(
		cron.WithLogger(clog),
		cron.WithChain(
			cron.Recover(clog),
			cron.SkipIfStillRunning(clog),
		),
	)

	ctx, cancel := context.WithCancel(context.Background())

	s := &Scheduler{
		cron:    c,
		runner:  runner,
		timeout: timeout,
		log:     logger,
		ctx:     ctx,
		cancel:  cancel,
	}

	id, err := c.AddFunc(expr, s.run)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("invalid dispatch schedule %q: %w", expr, err)
	}
	s.entry = id

	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("dispatch scheduler started", zap.Time("next_run", s.cron.Entry(s.entry).Next))
}

// Stop prevents new runs, cancels the one in flight and waits for it until
// ctx expires.
func (s *Scheduler) Stop(ctx context.Context) {
	s.cancel()
	done := s.cron.Stop()

	select {
	case <-done.Done():
		s.log.Info("dispatch scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("dispatch scheduler stop timed out")
	}
}

func (s *Scheduler) run() {
	ctx := s.ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	result, err := s.runner.ProcessScheduledEmails(ctx)
	if err != nil {
		s.log.Error("scheduled dispatch run failed", zap.Error(err))
		return
	}

	s.log.Info("scheduled dispatch run finished",
		zap.String("run_id", result.RunID),
		zap.Int("processed", result.Processed),
		zap.Int("sent", result.Sent),
		zap.Int("failed", result.Failed),
	)
}

// cronLogger routes cron's own messages through zap.
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}
