// Package status publishes a best-effort description of what each process is
// doing. Records live under status_<instance id> with a short expiry, so an
// instance that stops publishing drops out of List on its own. Nothing in the
// lease protocol reads them.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"marblerun/pkg/broker"
	"marblerun/pkg/logging"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	KeyPrefix  = "status_"
	DefaultTTL = 60 * time.Second
)

// Record is the published JSON document.
type Record struct {
	Message     string    `json:"message"`
	LastMessage string    `json:"lastmessage"`
	Class       string    `json:"class"`
	ID          string    `json:"id"`
	Host        string    `json:"host"`
	Name        string    `json:"name"`
	StartTime   time.Time `json:"starttime"`
	Timestamp   time.Time `json:"timestamp"`
}

// Sync is how long ago the instance last published.
func (r Record) Sync(now time.Time) time.Duration { return now.Sub(r.Timestamp) }

// Uptime is how long the instance had been running at its last publish.
func (r Record) Uptime() time.Duration { return r.Timestamp.Sub(r.StartTime) }

// Reporter publishes the state of one instance.
type Reporter struct {
	b   broker.Broker
	ttl time.Duration

	mu  sync.Mutex
	rec Record
}

type Option func(*Reporter)

func WithTTL(d time.Duration) Option { return func(r *Reporter) { r.ttl = d } }

// WithName overrides the process name, which defaults to the executable.
func WithName(name string) Option { return func(r *Reporter) { r.rec.Name = name } }

// New creates a reporter for an instance of class ("monitor", "marble", ...).
func New(b broker.Broker, class string, opts ...Option) *Reporter {
	host, _ := os.Hostname()
	r := &Reporter{
		b:   b,
		ttl: DefaultTTL,
		rec: Record{
			Class:     class,
			ID:        uuid.NewString(),
			Host:      host,
			Name:      filepath.Base(os.Args[0]),
			StartTime: time.Now(),
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Reporter) ID() string { return r.rec.ID }

// SetMessage records msg as the current message. The previous message moves
// to LastMessage only when it differs.
func (r *Reporter) SetMessage(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rec.Message != msg {
		r.rec.LastMessage = r.rec.Message
	}
	r.rec.Message = msg
}

// Snapshot returns the record as it would be published now.
func (r *Reporter) Snapshot() Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.rec
	rec.Timestamp = time.Now()
	return rec
}

// Update publishes the current record. Failures are logged and dropped.
func (r *Reporter) Update(ctx context.Context) {
	if r == nil || r.b == nil {
		return
	}
	rec := r.Snapshot()
	b, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := r.b.Set(ctx, KeyPrefix+rec.ID, string(b), r.ttl); err != nil {
		logging.Named("status").Debug("status publish failed", zap.String("id", rec.ID), zap.Error(err))
	}
}

// Report sets the message and publishes it.
func (r *Reporter) Report(ctx context.Context, msg string) {
	if r == nil {
		return
	}
	r.SetMessage(msg)
	r.Update(ctx)
}

// Keepalive republishes the current record every third of the TTL until
// ctx is done, so an idle instance stays listed.
func (r *Reporter) Keepalive(ctx context.Context) error {
	if r == nil {
		return nil
	}
	interval := r.ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		r.Update(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// List returns every live record, ordered by host then class. Records that
// expire or fail to decode between listing and reading are skipped.
func List(ctx context.Context, b broker.Broker) ([]Record, error) {
	keys, err := b.Keys(ctx, KeyPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("status: list: %w", err)
	}
	out := make([]Record, 0, len(keys))
	for _, k := range keys {
		raw, ok, err := b.Get(ctx, k, 0)
		if err != nil || !ok {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := strings.Compare(out[i].Host, out[j].Host); c != 0 {
			return c < 0
		}
		if out[i].Class != out[j].Class {
			return out[i].Class < out[j].Class
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
