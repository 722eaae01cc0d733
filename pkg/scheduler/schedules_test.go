package scheduler

import (
	"context"
	"errors"
	"marblerun/pkg/broker"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedStore(b broker.Broker, now time.Time) *Store {
	s := NewStore(b)
	s.now = func() time.Time { return now }
	return s
}

func TestStore_CRUD(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 30, 0, time.UTC)
	s := fixedStore(broker.NewMemoryBroker(), now)

	sc := &Schedule{Queue: "reports", Item: "nightly", Cron: "0 * * * * * *", Enabled: true}
	require.NoError(t, s.Create(ctx, sc))
	require.NotEmpty(t, sc.ID)
	assert.Equal(t, now.Truncate(time.Minute).Add(time.Minute).Unix(), sc.NextRunUnix)

	got, err := s.Get(ctx, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, sc, got)

	got.Enabled = false
	require.NoError(t, s.Update(ctx, got))
	got, err = s.Get(ctx, sc.ID)
	require.NoError(t, err)
	assert.Zero(t, got.NextRunUnix)

	list, err := s.List(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.Delete(ctx, sc.ID))
	_, err = s.Get(ctx, sc.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_Validation(t *testing.T) {
	ctx := context.Background()
	s := NewStore(broker.NewMemoryBroker())

	assert.ErrorIs(t, s.Create(ctx, &Schedule{Cron: "* * * * *"}), ErrMissingQueue)
	assert.ErrorIs(t, s.Create(ctx, &Schedule{Queue: "q"}), ErrMissingCron)
	assert.Error(t, s.Create(ctx, &Schedule{Queue: "q", Cron: "not a cron"}))
	assert.ErrorIs(t, s.Update(ctx, &Schedule{Queue: "q", Cron: "* * * * *"}), ErrMissingID)
}

func TestRunner_EnqueuesDueSchedules(t *testing.T) {
	ctx := context.Background()
	b := broker.NewMemoryBroker()
	created := time.Date(2026, 3, 1, 10, 0, 30, 0, time.UTC)
	s := fixedStore(b, created)

	require.NoError(t, b.PushHead(ctx, "jobs", "existing"))
	require.NoError(t, s.Create(ctx, &Schedule{Queue: "jobs", Item: "tick", Cron: "0 * * * * * *", Enabled: true}))
	require.NoError(t, s.Create(ctx, &Schedule{Queue: "jobs", Item: "urgent", Cron: "0 * * * * * *", Enabled: true, Expedite: true}))
	require.NoError(t, s.Create(ctx, &Schedule{Queue: "jobs", Item: "off", Cron: "0 * * * * * *"}))

	r := &Runner{Store: s, Broker: b}

	fired, err := r.RunDue(ctx, created)
	require.NoError(t, err)
	assert.Zero(t, fired, "nothing due before the first minute boundary")

	later := created.Add(time.Minute)
	s.now = func() time.Time { return later }
	fired, err = r.RunDue(ctx, later)
	require.NoError(t, err)
	assert.Equal(t, 2, fired)

	items, err := b.Dump(ctx, "jobs", false)
	require.NoError(t, err)
	assert.Equal(t, []string{"urgent", "existing", "tick"}, items)

	// rescheduled past now: not due again
	fired, err = r.RunDue(ctx, later)
	require.NoError(t, err)
	assert.Zero(t, fired)
}

type refusing struct{ *broker.MemoryBroker }

func (refusing) PushHead(context.Context, string, string) error {
	return errors.New("connection refused")
}

func TestRunner_FailedPushStaysDue(t *testing.T) {
	ctx := context.Background()
	mem := broker.NewMemoryBroker()
	created := time.Date(2026, 3, 1, 10, 0, 30, 0, time.UTC)
	s := fixedStore(mem, created)
	require.NoError(t, s.Create(ctx, &Schedule{Queue: "jobs", Item: "tick", Cron: "0 * * * * * *", Enabled: true}))

	later := created.Add(time.Minute)
	r := &Runner{Store: s, Broker: refusing{mem}}
	fired, err := r.RunDue(ctx, later)
	require.NoError(t, err)
	assert.Zero(t, fired)

	due, err := s.Due(ctx, later, 0)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}
