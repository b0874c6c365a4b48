package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"tgvmax_archiver/config"
	"tgvmax_archiver/logging"
	"tgvmax_archiver/models"
)

// Triggerable allows workers to be triggered manually
type Triggerable interface {
	Trigger()
}

// Cycler runs one refresh cycle.
type Cycler interface {
	Run(ctx context.Context, force bool) (*models.RefreshRun, error)
}

// CommandQueue is where operators drop refresh_now, pause, resume and
// publish requests.
type CommandQueue interface {
	GetPendingCommands() ([]models.Command, error)
	MarkCommandProcessed(id int64) error
	ParseCommandParams(cmd *models.Command) (*models.CommandParams, error)
}

type State int32

const (
	StateIdle State = iota
	StateRunning
)

func (s State) String() string {
	if s == StateRunning {
		return "running"
	}
	return "idle"
}

// Scheduler drives the refresh loop. Cycles, cron ticks and commands are all
// handled on the goroutine that calls Run, so at most one cycle is ever in
// flight.
type Scheduler struct {
	cfg    *config.Config
	cycler Cycler
	queue  CommandQueue
	log    *logging.Logger

	mu      sync.Mutex
	state   atomic.Int32
	paused  atomic.Bool
	workers []Triggerable
	lastRun atomic.Pointer[models.RefreshRun]
}

func New(cfg *config.Config, cycler Cycler, queue CommandQueue, log *logging.Logger) *Scheduler {
	if log == nil {
		log = logging.Nop()
	}
	return &Scheduler{
		cfg:    cfg,
		cycler: cycler,
		queue:  queue,
		log:    log,
	}
}

// SetWorkers registers background workers to trigger after every cycle that
// exported new artifacts.
func (s *Scheduler) SetWorkers(workers ...Triggerable) {
	s.workers = workers
}

func (s *Scheduler) State() State {
	return State(s.state.Load())
}

func (s *Scheduler) Paused() bool {
	return s.paused.Load()
}

// LastRun is the record of the most recent cycle, or nil before the first.
func (s *Scheduler) LastRun() *models.RefreshRun {
	return s.lastRun.Load()
}

// Run executes a cycle immediately, then one per interval (or per cron tick
// when a cron expression is configured) until ctx is done. The first cycle
// error stops the loop and is returned.
func (s *Scheduler) Run(ctx context.Context) error {
	due, err := s.newTicker()
	if err != nil {
		return err
	}
	defer due.Stop()

	var commands <-chan time.Time
	if s.queue != nil && s.cfg.Scheduler.CommandPoll > 0 {
		poll := time.NewTicker(s.cfg.Scheduler.CommandPoll)
		defer poll.Stop()
		commands = poll.C
	}

	if err := s.scheduled(ctx); err != nil {
		return err
	}
	due.Rearm()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped", "reason", ctx.Err())
			return ctx.Err()
		case <-due.C():
			if err := s.scheduled(ctx); err != nil {
				return err
			}
			due.Rearm()
		case <-commands:
			if err := s.pollCommands(ctx); err != nil {
				return err
			}
		}
	}
}

// ticker signals when the next scheduled cycle is due.
type ticker interface {
	C() <-chan time.Time
	// Rearm is called once the cycle for the last signal has finished.
	Rearm()
	Stop()
}

// intervalTicker measures the period from the end of one cycle to the start
// of the next.
type intervalTicker struct {
	timer    *time.Timer
	interval time.Duration
}

func (t *intervalTicker) C() <-chan time.Time { return t.timer.C }
func (t *intervalTicker) Rearm()              { t.timer.Reset(t.interval) }
func (t *intervalTicker) Stop()               { t.timer.Stop() }

// cronTicker drops ticks that arrive while a cycle is still running.
type cronTicker struct {
	cron  *cron.Cron
	ticks chan time.Time
}

func (t *cronTicker) C() <-chan time.Time { return t.ticks }
func (t *cronTicker) Rearm()              {}
func (t *cronTicker) Stop()               { <-t.cron.Stop().Done() }

func (s *Scheduler) newTicker() (ticker, error) {
	if expr := s.cfg.Scheduler.Cron; expr != "" {
		t := &cronTicker{cron: cron.New(), ticks: make(chan time.Time, 1)}
		_, err := t.cron.AddFunc(expr, func() {
			select {
			case t.ticks <- time.Now():
			default:
			}
		})
		if err != nil {
			return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
		}
		t.cron.Start()
		s.log.Info("scheduler started", "cron", expr)
		return t, nil
	}

	interval := s.cfg.Scheduler.Interval
	if interval <= 0 {
		return nil, fmt.Errorf("refresh interval must be positive, got %s", interval)
	}
	s.log.Info("scheduler started", "interval", interval)
	timer := time.NewTimer(interval)
	timer.Stop()
	return &intervalTicker{timer: timer, interval: interval}, nil
}

func (s *Scheduler) scheduled(ctx context.Context) error {
	if s.paused.Load() {
		s.log.Info("scheduler paused, skipping cycle")
		return nil
	}
	return s.runCycle(ctx, false)
}

// TriggerNow runs one cycle synchronously, waiting for any cycle in flight.
func (s *Scheduler) TriggerNow(ctx context.Context, force bool) error {
	return s.runCycle(ctx, force)
}

func (s *Scheduler) runCycle(ctx context.Context, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.Store(int32(StateRunning))
	defer s.state.Store(int32(StateIdle))

	run, err := s.cycler.Run(ctx, force)
	if run != nil {
		s.lastRun.Store(run)
	}
	if err != nil {
		s.log.Error("cycle failed", "kind", models.ErrorKind(err), "error", err)
		return err
	}
	if run != nil && run.Status == models.RunStatusCompleted {
		s.triggerWorkers()
	}
	return nil
}

func (s *Scheduler) triggerWorkers() {
	for _, w := range s.workers {
		w.Trigger()
	}
}

func (s *Scheduler) pollCommands(ctx context.Context) error {
	cmds, err := s.queue.GetPendingCommands()
	if err != nil {
		s.log.Warn("read pending commands", "error", err)
		return nil
	}

	for _, cmd := range cmds {
		s.log.Info("processing command", "command", cmd.Command, "id", cmd.ID)
		err := s.handleCommand(ctx, &cmd)
		if merr := s.queue.MarkCommandProcessed(cmd.ID); merr != nil {
			s.log.Warn("mark command processed", "id", cmd.ID, "error", merr)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) handleCommand(ctx context.Context, cmd *models.Command) error {
	switch cmd.Command {
	case models.CmdRefreshNow:
		params, err := s.queue.ParseCommandParams(cmd)
		if err != nil {
			s.log.Warn("bad command params", "id", cmd.ID, "error", err)
			return nil
		}
		return s.runCycle(ctx, params.Force)
	case models.CmdPause:
		s.paused.Store(true)
		s.log.Info("scheduler paused")
	case models.CmdResume:
		s.paused.Store(false)
		s.log.Info("scheduler resumed")
	case models.CmdPublish:
		s.triggerWorkers()
		s.log.Info("workers triggered via command", "count", len(s.workers))
	default:
		s.log.Warn("unknown command", "command", cmd.Command, "id", cmd.ID)
	}
	return nil
}
