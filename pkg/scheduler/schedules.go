// Package scheduler stores recurring producers: cron schedules that push an
// item onto a public queue each time they come due.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"marblerun/pkg/broker"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorhill/cronexpr"
)

const KeyPrefix = "schedule_"

// Schedule represents a recurring item definition.
type Schedule struct {
	ID          string `json:"id"`
	Queue       string `json:"queue"`
	Item        string `json:"item"`
	Expedite    bool   `json:"expedite"`
	Cron        string `json:"cron"`
	Enabled     bool   `json:"enabled"`
	LastRunUnix int64  `json:"last_run_unix"`
	NextRunUnix int64  `json:"next_run_unix"`
	CreatedUnix int64  `json:"created_unix"`
	UpdatedUnix int64  `json:"updated_unix"`
}

var (
	ErrNotFound     = errors.New("schedule not found")
	ErrMissingID    = errors.New("missing id")
	ErrMissingCron  = errors.New("missing cron expression")
	ErrMissingQueue = errors.New("missing queue")
)

// Store keeps schedules as JSON values in the broker.
type Store struct {
	b   broker.Broker
	now func() time.Time
}

func NewStore(b broker.Broker) *Store { return &Store{b: b, now: time.Now} }

func (s *Store) key(id string) string { return KeyPrefix + id }

func (s *Store) Create(ctx context.Context, sc *Schedule) error {
	if sc.Queue == "" {
		return ErrMissingQueue
	}
	if sc.ID == "" {
		sc.ID = uuid.NewString()
	}
	now := s.now().Unix()
	sc.CreatedUnix = now
	sc.UpdatedUnix = now
	if err := s.schedule(sc); err != nil {
		return err
	}
	return s.put(ctx, sc)
}

func (s *Store) Update(ctx context.Context, sc *Schedule) error {
	if sc.ID == "" {
		return ErrMissingID
	}
	sc.UpdatedUnix = s.now().Unix()
	if err := s.schedule(sc); err != nil {
		return err
	}
	return s.put(ctx, sc)
}

func (s *Store) Get(ctx context.Context, id string) (*Schedule, error) {
	val, ok, err := s.b.Get(ctx, s.key(id), 0)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	var sc Schedule
	if err := json.Unmarshal([]byte(val), &sc); err != nil {
		return nil, fmt.Errorf("schedule %s: %w", id, err)
	}
	return &sc, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	return s.b.Delete(ctx, s.key(id))
}

// List returns up to limit schedules ordered by creation; limit <= 0 means
// all of them. Undecodable entries are skipped.
func (s *Store) List(ctx context.Context, limit int) ([]*Schedule, error) {
	keys, err := s.b.Keys(ctx, KeyPrefix+"*")
	if err != nil {
		return nil, err
	}
	res := []*Schedule{}
	for _, k := range keys {
		sc, err := s.Get(ctx, strings.TrimPrefix(k, KeyPrefix))
		if err != nil {
			continue
		}
		res = append(res, sc)
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].CreatedUnix != res[j].CreatedUnix {
			return res[i].CreatedUnix < res[j].CreatedUnix
		}
		return res[i].ID < res[j].ID
	})
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

// Due returns enabled schedules whose NextRunUnix <= now.
func (s *Store) Due(ctx context.Context, now time.Time, limit int) ([]*Schedule, error) {
	all, err := s.List(ctx, 0)
	if err != nil {
		return nil, err
	}
	due := []*Schedule{}
	n := now.Unix()
	for _, sc := range all {
		if sc.Enabled && sc.NextRunUnix > 0 && sc.NextRunUnix <= n {
			due = append(due, sc)
			if limit > 0 && len(due) >= limit {
				break
			}
		}
	}
	return due, nil
}

// MarkRun updates LastRun and NextRun after executing a schedule.
func (s *Store) MarkRun(ctx context.Context, sc *Schedule) error {
	sc.LastRunUnix = s.now().Unix()
	return s.Update(ctx, sc)
}

// schedule validates the cron expression and sets NextRunUnix. Disabled
// schedules never come due.
func (s *Store) schedule(sc *Schedule) error {
	if sc.Cron == "" {
		return ErrMissingCron
	}
	expr, err := cronexpr.Parse(sc.Cron)
	if err != nil {
		return fmt.Errorf("cron %q: %w", sc.Cron, err)
	}
	if !sc.Enabled {
		sc.NextRunUnix = 0
		return nil
	}
	next := expr.Next(s.now())
	if next.IsZero() {
		sc.NextRunUnix = 0
		return nil
	}
	sc.NextRunUnix = next.Unix()
	return nil
}

func (s *Store) put(ctx context.Context, sc *Schedule) error {
	b, err := json.Marshal(sc)
	if err != nil {
		return err
	}
	return s.b.Set(ctx, s.key(sc.ID), string(b), 0)
}
