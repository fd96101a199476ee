package daemon

import (
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// TaskFunc represents a runnable task.
type TaskFunc func() error

// Scheduler runs a task on a cron schedule. A run that fails to start (for
// example because a run is already active) is reported and skipped.
type Scheduler struct {
	Task    TaskFunc
	OnError func(err error)

	parser cron.Parser
	cron   *cron.Cron

	mu       sync.Mutex
	expr     string
	schedule cron.Schedule
	entry    cron.EntryID
	running  bool
}

func NewScheduler(task TaskFunc, onError func(err error)) *Scheduler {
	if task == nil {
		panic("task function cannot be nil")
	}
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Scheduler{
		Task:    task,
		OnError: onError,
		parser:  parser,
		cron:    cron.New(cron.WithParser(parser)),
	}
}

// Schedule replaces the schedule. An empty expression disables it.
func (s *Scheduler) Schedule(expr string) error {
	var sched cron.Schedule
	if expr != "" {
		var err error
		sched, err = s.parser.Parse(expr)
		if err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entry != 0 {
		s.cron.Remove(s.entry)
		s.entry = 0
	}
	s.expr, s.schedule = expr, sched
	if sched == nil {
		logrus.Info("calibration schedule disabled")
		return nil
	}
	s.entry = s.cron.Schedule(sched, cron.FuncJob(s.fire))
	logrus.WithFields(logrus.Fields{
		"cron": expr,
		"next": sched.Next(time.Now()).Format(time.DateTime),
	}).Info("calibration scheduled")
	return nil
}

func (s *Scheduler) fire() {
	logrus.Info("starting scheduled calibration run")
	if err := s.Task(); err != nil {
		if errors.Is(err, ErrRunInProgress) {
			logrus.Warn("skipping scheduled calibration, a run is in progress")
		}
		if s.OnError != nil {
			s.OnError(err)
		}
	}
}

func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.cron.Start()
	logrus.Debug("scheduler started")
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()
	<-s.cron.Stop().Done()
	logrus.Debug("scheduler stopped")
}

// Status returns the expression and the next activation, zero when disabled.
func (s *Scheduler) Status() (expr string, next time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.schedule == nil {
		return "", time.Time{}
	}
	return s.expr, s.schedule.Next(time.Now())
}
