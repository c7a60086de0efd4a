// Package reminders schedules recurring notifications: a daily check-in and
// alerts when a goal passes a progress milestone.
package reminders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dar-k-dev/p-progress/internal/auth"
	"github.com/dar-k-dev/p-progress/internal/config"
	"github.com/dar-k-dev/p-progress/internal/dispatcher"
	"github.com/dar-k-dev/p-progress/internal/logging"
	"github.com/dar-k-dev/p-progress/internal/store"
)

var log = logging.L("reminders")

// DailyTag is the replacement tag of the daily check-in.
const DailyTag = "daily-reminder"

// Milestones are the progress percentages that trigger an alert.
var Milestones = []int{50, 75, 100}

// Poster queues events for the dispatcher.
type Poster interface {
	Dispatch(ev dispatcher.Event) error
}

// Scheduler runs the reminder jobs.
type Scheduler struct {
	cfg   config.RemindersConfig
	cron  *cron.Cron
	users auth.UserProvider
	goals GoalSource
	post  Poster
	store *store.Store
}

type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, logging.KeyError, err)...)
}

// New creates a Scheduler. goals may be nil, which disables milestone
// alerts.
func New(cfg config.RemindersConfig, users auth.UserProvider, goals GoalSource, post Poster, st *store.Store) (*Scheduler, error) {
	logger := cronLogger{logger: log}
	c := cron.New(
		cron.WithParser(cron.NewParser(cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor)),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		cron.WithLogger(logger),
	)
	s := &Scheduler{cfg: cfg, cron: c, users: users, goals: goals, post: post, store: st}

	if _, err := c.AddFunc(cfg.DailySchedule, func() { s.Daily(context.Background()) }); err != nil {
		return nil, fmt.Errorf("daily schedule %q: %w", cfg.DailySchedule, err)
	}
	if goals != nil {
		if _, err := c.AddFunc(cfg.ProgressSchedule, func() { s.CheckProgress(context.Background()) }); err != nil {
			return nil, fmt.Errorf("progress schedule %q: %w", cfg.ProgressSchedule, err)
		}
	}
	return s, nil
}

// Start runs the scheduler in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	log.Info("reminders scheduled", "daily", s.cfg.DailySchedule, "progress", s.cfg.ProgressSchedule)
}

// Stop stops scheduling and waits for running jobs or ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
}

func (s *Scheduler) userID(ctx context.Context) (string, bool) {
	id, err := s.users.CurrentUserID(ctx)
	if err != nil {
		if !errors.Is(err, auth.ErrSignedOut) {
			log.Warn("cannot resolve user", logging.KeyError, err)
		}
		return "", false
	}
	return id, true
}

// Daily posts the check-in reminder. It does nothing while signed out.
func (s *Scheduler) Daily(ctx context.Context) {
	if _, ok := s.userID(ctx); !ok {
		return
	}
	s.show(dispatcher.Payload{
		Title: s.cfg.DailyTitle,
		Body:  s.cfg.DailyBody,
		Tag:   DailyTag,
		Data:  dispatcher.Data{Type: dispatcher.TypeReminder, URL: "/"},
	})
}

// CheckProgress alerts once for each goal milestone newly reached.
func (s *Scheduler) CheckProgress(ctx context.Context) {
	userID, ok := s.userID(ctx)
	if !ok || s.goals == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	goals, err := s.goals.Goals(ctx, userID)
	if err != nil {
		log.Warn("goal fetch failed", logging.KeyError, err)
		return
	}
	for _, g := range goals {
		reached := milestone(g.Percent())
		if reached == 0 {
			continue
		}
		key := store.PrefixGoalAlert + userID + "/" + g.ID
		var last int
		if err := s.store.Get(key, &last); err != nil && !errors.Is(err, store.ErrNotFound) {
			log.Warn("read goal alert", "goal", g.ID, logging.KeyError, err)
			continue
		}
		if reached <= last {
			continue
		}
		// Only a queued alert counts; a rejected one is retried next run.
		if err := s.show(progressPayload(g, reached)); err != nil {
			continue
		}
		if err := s.store.Put(key, reached); err != nil {
			log.Warn("record goal alert", "goal", g.ID, logging.KeyError, err)
		}
	}
}

func (s *Scheduler) show(p dispatcher.Payload) error {
	err := s.post.Dispatch(dispatcher.Event{
		Kind: dispatcher.EventMessage,
		Command: dispatcher.Command{
			Type:    dispatcher.CommandShowNotification,
			Payload: &p,
		},
	})
	if err != nil {
		log.Warn("reminder not queued", logging.KeyTag, p.Tag, logging.KeyError, err)
	}
	return err
}

// milestone returns the highest milestone at or below pct, or 0.
func milestone(pct int) int {
	reached := 0
	for _, m := range Milestones {
		if pct >= m {
			reached = m
		}
	}
	return reached
}

func progressPayload(g Goal, reached int) dispatcher.Payload {
	title := fmt.Sprintf("%d%% of %s", reached, g.Title)
	body := "Keep going!"
	if reached >= 100 {
		title = "Goal complete: " + g.Title
		body = "Nice work."
	}
	return dispatcher.Payload{
		Title: title,
		Body:  body,
		Tag:   "goal-" + g.ID,
		Data:  dispatcher.Data{Type: dispatcher.TypeProgress, URL: "/goals/" + g.ID},
	}
}
