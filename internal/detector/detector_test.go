package detector

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"cewatcher/internal/rules"
	"cewatcher/internal/storage"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func primeRate() Rate {
	return Rate{
		ID:   "X",
		Name: "Prime",
		Rules: []rules.ThresholdRule{
			{ID: "R1", Kind: rules.GreaterThan, Value: decimal.NewFromInt(5)},
		},
	}
}

func observe(pairs ...string) map[string]storage.RateObservation {
	out := make(map[string]storage.RateObservation, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		id, raw := pairs[i], pairs[i+1]
		o := storage.RateObservation{ID: id}
		if v, err := decimal.NewFromString(raw); err == nil {
			o.Value = decimal.NewNullDecimal(v)
		}
		out[id] = o
	}
	return out
}

func newDetector(t *testing.T, store Store, clock *fakeClock, rates ...Rate) *Detector {
	t.Helper()
	var seq atomic.Int64
	d, err := New(store, Options{
		Rates:  rates,
		Window: 24 * time.Hour,
		Now:    clock.Now,
		NewID: func() string {
			return fmt.Sprintf("id-%d", seq.Add(1))
		},
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d
}

func TestRunCycleScenario(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	t0 := time.Date(2024, 1, 1, 17, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: t0}
	d := newDetector(t, store, clock, primeRate())

	// Pull1: below threshold, first ever pull is stored.
	events, err := d.RunCycle(ctx, observe("X", "4"))
	if err != nil {
		t.Fatalf("cycle 1: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("cycle 1 events = %d, want 0", len(events))
	}
	assertCounts(t, store, 1, 0, 0)

	// Pull2: next day, R1 triggers with no prior notification.
	clock.now = t0.Add(24 * time.Hour)
	events, err = d.RunCycle(ctx, observe("X", "6"))
	if err != nil {
		t.Fatalf("cycle 2: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("cycle 2 events = %d, want 1", len(events))
	}
	e := events[0]
	if !e.OldValue.Valid || !e.OldValue.Decimal.Equal(decimal.NewFromInt(4)) || !e.NewValue.Equal(decimal.NewFromInt(6)) {
		t.Fatalf("cycle 2 event = %+v, want 4 -> 6", e)
	}
	if e.Description != "Prime (X) changed rate from 4 to 6." {
		t.Fatalf("description = %q", e.Description)
	}
	assertCounts(t, store, 2, 1, 1)
	note, err := store.LatestNotification(ctx, "X")
	if err != nil {
		t.Fatalf("LatestNotification: %v", err)
	}
	if len(note.TriggeredRuleIDs) != 1 || note.TriggeredRuleIDs[0] != "R1" {
		t.Fatalf("notification rules = %v, want [R1]", note.TriggeredRuleIDs)
	}

	// Pull3: an hour later, same rule inside the window.
	clock.now = t0.Add(25 * time.Hour)
	events, err = d.RunCycle(ctx, observe("X", "7"))
	if err != nil {
		t.Fatalf("cycle 3: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("cycle 3 events = %d, want 0", len(events))
	}
	assertCounts(t, store, 2, 1, 1)

	// Pull4: 25 hours after the notification.
	clock.now = t0.Add(49 * time.Hour)
	events, err = d.RunCycle(ctx, observe("X", "7"))
	if err != nil {
		t.Fatalf("cycle 4: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("cycle 4 events = %d, want 1", len(events))
	}
	if !events[0].OldValue.Decimal.Equal(decimal.NewFromInt(6)) || !events[0].NewValue.Equal(decimal.NewFromInt(7)) {
		t.Fatalf("cycle 4 event = %+v, want 6 -> 7", events[0])
	}
	assertCounts(t, store, 3, 2, 2)
}

func TestRunCycleIdempotentForUnchangedInput(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	clock := &fakeClock{now: time.Date(2024, 1, 1, 17, 0, 0, 0, time.UTC)}
	d := newDetector(t, store, clock, primeRate())

	if _, err := d.RunCycle(ctx, observe("X", "6")); err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	assertCounts(t, store, 1, 1, 1)

	clock.now = clock.now.Add(time.Minute)
	events, err := d.RunCycle(ctx, observe("X", "6"))
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("second cycle events = %d, want 0", len(events))
	}
	assertCounts(t, store, 1, 1, 1)
}

func TestRunCycleFirstEventHasUnknownOldValue(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	clock := &fakeClock{now: time.Date(2024, 1, 1, 17, 0, 0, 0, time.UTC)}
	d := newDetector(t, store, clock, primeRate())

	events, err := d.RunCycle(ctx, observe("X", "9.5"))
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if events[0].OldValue.Valid {
		t.Fatalf("old value should be null, got %v", events[0].OldValue)
	}
	if events[0].Description != "Prime (X) changed rate from unknown to 9.5." {
		t.Fatalf("description = %q", events[0].Description)
	}
}

func TestRunCycleIgnoresUnconfiguredAndNonNumeric(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	clock := &fakeClock{now: time.Date(2024, 1, 1, 17, 0, 0, 0, time.UTC)}
	d := newDetector(t, store, clock, primeRate())

	if _, err := d.RunCycle(ctx, observe("X", "4")); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	events, err := d.RunCycle(ctx, observe("X", "N/A", "Z", "100"))
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("events = %d, want 0", len(events))
	}
	assertCounts(t, store, 1, 0, 0)
}

func TestRunCyclePreservesConfigOrder(t *testing.T) {
	ctx := context.Background()
	var rates []Rate
	pairs := []string{}
	for i := 0; i < 12; i++ {
		id := fmt.Sprintf("R%02d", i)
		rates = append(rates, Rate{ID: id, Name: id, Rules: []rules.ThresholdRule{
			{ID: "any", Kind: rules.GreaterThanOrEqual, Value: decimal.Zero},
		}})
		pairs = append(pairs, id, "1")
	}

	store := storage.NewMemoryStore()
	clock := &fakeClock{now: time.Date(2024, 1, 1, 17, 0, 0, 0, time.UTC)}
	d, err := New(store, Options{Rates: rates, Window: time.Hour, Workers: 5, Now: clock.Now}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	events, err := d.RunCycle(ctx, observe(pairs...))
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if len(events) != len(rates) {
		t.Fatalf("events = %d, want %d", len(events), len(rates))
	}
	for i, e := range events {
		if e.RateID != rates[i].ID {
			t.Fatalf("event %d rate = %s, want %s", i, e.RateID, rates[i].ID)
		}
	}
}

func TestNewRejectsDuplicateRates(t *testing.T) {
	_, err := New(storage.NewMemoryStore(), Options{Rates: []Rate{primeRate(), primeRate()}}, zerolog.Nop())
	if err == nil {
		t.Fatal("expected duplicate rate error")
	}
}

type faultyStore struct {
	*storage.MemoryStore
	latestPullErr error
	eventErr      map[string]error
	noteErr       map[string]error
}

func (f *faultyStore) LatestPull(ctx context.Context) (storage.Pull, error) {
	if f.latestPullErr != nil {
		return storage.Pull{}, f.latestPullErr
	}
	return f.MemoryStore.LatestPull(ctx)
}

func (f *faultyStore) InsertEvent(ctx context.Context, e storage.Event) error {
	if err := f.eventErr[e.RateID]; err != nil {
		return err
	}
	return f.MemoryStore.InsertEvent(ctx, e)
}

func (f *faultyStore) InsertNotification(ctx context.Context, n storage.Notification) error {
	if err := f.noteErr[n.RateID]; err != nil {
		return err
	}
	return f.MemoryStore.InsertNotification(ctx, n)
}

func TestRunCycleAbortsWhenLastPullUnreadable(t *testing.T) {
	store := &faultyStore{MemoryStore: storage.NewMemoryStore(), latestPullErr: errors.New("connection reset")}
	clock := &fakeClock{now: time.Date(2024, 1, 1, 17, 0, 0, 0, time.UTC)}
	d := newDetector(t, store, clock, primeRate())

	events, err := d.RunCycle(context.Background(), observe("X", "6"))
	if !errors.Is(err, ErrStoreFailure) {
		t.Fatalf("err = %v, want ErrStoreFailure", err)
	}
	if len(events) != 0 {
		t.Fatalf("events = %d, want 0", len(events))
	}
	assertCounts(t, store.MemoryStore, 0, 0, 0)
}

func TestRunCycleContinuesPastRateFailures(t *testing.T) {
	second := Rate{ID: "Y", Name: "Second", Rules: []rules.ThresholdRule{
		{ID: "R9", Kind: rules.LessThan, Value: decimal.NewFromInt(1)},
	}}
	third := Rate{ID: "W", Name: "Third", Rules: []rules.ThresholdRule{
		{ID: "R7", Kind: rules.LessThanOrEqual, Value: decimal.NewFromInt(2)},
	}}
	store := &faultyStore{
		MemoryStore: storage.NewMemoryStore(),
		eventErr:    map[string]error{"Y": errors.New("disk full")},
		noteErr:     map[string]error{"W": errors.New("disk full")},
	}
	clock := &fakeClock{now: time.Date(2024, 1, 1, 17, 0, 0, 0, time.UTC)}
	d := newDetector(t, store, clock, primeRate(), second, third)

	events, err := d.RunCycle(context.Background(), observe("X", "6", "Y", "0.5", "W", "2"))
	if !errors.Is(err, ErrStoreFailure) {
		t.Fatalf("err = %v, want ErrStoreFailure", err)
	}
	// Y is dropped because its event was not stored; W keeps its stored event.
	if len(events) != 2 || events[0].RateID != "X" || events[1].RateID != "W" {
		t.Fatalf("events = %+v, want X and W", events)
	}
	assertCounts(t, store.MemoryStore, 1, 2, 1)
}

func TestRunCycleCancelledBeforeStart(t *testing.T) {
	store := storage.NewMemoryStore()
	clock := &fakeClock{now: time.Date(2024, 1, 1, 17, 0, 0, 0, time.UTC)}
	d := newDetector(t, store, clock, primeRate())

	ctx, cancel := context.WithCancel(context.Background())
	if _, err := d.RunCycle(context.Background(), observe("X", "4")); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	cancel()

	events, err := d.RunCycle(ctx, observe("X", "6"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(events) != 0 {
		t.Fatalf("events = %d, want 0", len(events))
	}
	assertCounts(t, store, 1, 0, 0)
}

// cancellingStore cancels the cycle while the named rate reads its last notification.
type cancellingStore struct {
	*storage.MemoryStore
	cancelOn string
	cancel   context.CancelFunc
}

func (c *cancellingStore) LatestNotification(ctx context.Context, rateID string) (storage.Notification, error) {
	if rateID == c.cancelOn {
		c.cancel()
	}
	return c.MemoryStore.LatestNotification(ctx, rateID)
}

func TestRunCycleCancelledMidCycleKeepsUnevaluatedValues(t *testing.T) {
	above5 := []rules.ThresholdRule{{ID: "R1", Kind: rules.GreaterThan, Value: decimal.NewFromInt(5)}}
	store := &cancellingStore{MemoryStore: storage.NewMemoryStore(), cancelOn: "A"}
	clock := &fakeClock{now: time.Date(2024, 1, 1, 17, 0, 0, 0, time.UTC)}
	var seq atomic.Int64
	d, err := New(store, Options{
		Rates:   []Rate{{ID: "A", Name: "A", Rules: above5}, {ID: "B", Name: "B", Rules: above5}},
		Window:  24 * time.Hour,
		Workers: 1,
		Now:     clock.Now,
		NewID:   func() string { return fmt.Sprintf("id-%d", seq.Add(1)) },
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	store.cancel = func() {}
	if _, err := d.RunCycle(context.Background(), observe("A", "1", "B", "1")); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	// A is evaluated and cancels the cycle, B is never reached.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store.cancel = cancel
	clock.now = clock.now.Add(time.Hour)
	events, err := d.RunCycle(ctx, observe("A", "6", "B", "6"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(events) != 1 || events[0].RateID != "A" {
		t.Fatalf("events = %+v, want only A", events)
	}
	pull, err := store.LatestPull(context.Background())
	if err != nil {
		t.Fatalf("LatestPull: %v", err)
	}
	if got := pull.Rates["A"].Value.Decimal; !got.Equal(decimal.NewFromInt(6)) {
		t.Fatalf("stored A = %s, want 6", got)
	}
	if got := pull.Rates["B"].Value.Decimal; !got.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("stored B = %s, want the previous 1", got)
	}

	// The next cycle still sees B move from 1; A stays suppressed.
	store.cancel = func() {}
	clock.now = clock.now.Add(time.Hour)
	events, err = d.RunCycle(context.Background(), observe("A", "6", "B", "6"))
	if err != nil {
		t.Fatalf("next cycle: %v", err)
	}
	if len(events) != 1 || events[0].RateID != "B" {
		t.Fatalf("events = %+v, want only B", events)
	}
	if events[0].Description != "B (B) changed rate from 1 to 6." {
		t.Fatalf("description = %q", events[0].Description)
	}
}

func assertCounts(t *testing.T, store *storage.MemoryStore, pulls, events, notes int) {
	t.Helper()
	p, e, n := store.Counts()
	if p != pulls || e != events || n != notes {
		t.Fatalf("counts = (%d pulls, %d events, %d notifications), want (%d, %d, %d)", p, e, n, pulls, events, notes)
	}
}
