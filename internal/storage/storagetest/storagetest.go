// Package storagetest is a behavioral test suite run against every
// storage.Store backend.
package storagetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/patternd/internal/model"
	"github.com/ashita-ai/patternd/internal/storage"
)

// Clock is a settable time source for storage.WithClock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock frozen at t.
func NewClock(t time.Time) *Clock {
	return &Clock{now: t.UTC()}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t.UTC()
	c.mu.Unlock()
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Factory opens a fresh store configured with opts.
type Factory func(t *testing.T, opts ...storage.Option) storage.Store

// Epoch is the fixed start time used by the suite.
var Epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// Run exercises the storage.Store contract. Tests only touch freshly generated
// tenants, so backends may share one database across runs.
func Run(t *testing.T, newStore Factory) {
	t.Run("UpsertThenGetUntilExpiry", func(t *testing.T) { testUpsertThenGetUntilExpiry(t, newStore) })
	t.Run("StaleWriteRejected", func(t *testing.T) { testStaleWriteRejected(t, newStore) })
	t.Run("HistoryAppendOnly", func(t *testing.T) { testHistory(t, newStore) })
	t.Run("MissingPattern", func(t *testing.T) { testMissingPattern(t, newStore) })
	t.Run("RejectsInvalidWrites", func(t *testing.T) { testRejectsInvalidWrites(t, newStore) })
	t.Run("TenantRequired", func(t *testing.T) { testTenantRequired(t, newStore) })
	t.Run("TenantIsolation", func(t *testing.T) { testTenantIsolation(t, newStore) })
	t.Run("SnapshotsScopedToTouchTenant", func(t *testing.T) { testSnapshots(t, newStore) })
	t.Run("CreditConversionSetOnce", func(t *testing.T) { testCreditConversion(t, newStore) })
	t.Run("ListTouchesWindow", func(t *testing.T) { testListTouchesWindow(t, newStore) })
	t.Run("SweepExpiring", func(t *testing.T) { testSweepExpiring(t, newStore) })
}

// WhoPayload returns a small sufficient WHO payload for store tests.
func WhoPayload(rate float64) model.WhoPayload {
	return model.WhoPayload{
		SchemaVersion: model.WhoSchemaVersion,
		Categories: []model.CategoryRate{
			{Dimension: "title", Value: "vp", Conversions: 20, SampleSize: 30, Rate: rate},
		},
		WeightsAbsent: true,
	}
}

// NewTouch builds a valid touch for tenant.
func NewTouch(tenant, lead uuid.UUID, ch model.Channel, sentAt time.Time) model.Touch {
	return model.Touch{
		ID:       uuid.New(),
		TenantID: tenant,
		LeadID:   lead,
		Channel:  ch,
		Position: 1,
		SentAt:   sentAt,
		Lead:     model.LeadAttributes{Title: "VP Sales", Industry: "SaaS", CompanySize: 120},
	}
}

// Features returns a valid feature set.
func Features() model.ContentFeatures {
	return model.ContentFeatures{
		MessageLength: 420,
		PainPoints:    []string{"pipeline"},
		CTACategory:   "meeting",
		DayOfWeek:     2,
		HourOfDay:     10,
		TouchNumber:   1,
		SequenceID:    "seq-a",
	}
}

func testUpsertThenGetUntilExpiry(t *testing.T, newStore Factory) {
	ctx := context.Background()
	clock := NewClock(Epoch)
	window := 14 * 24 * time.Hour
	s := newStore(t, storage.WithClock(clock.Now), storage.WithValidityWindow(window))
	tenant := uuid.New()

	applied, err := s.UpsertPattern(ctx, model.PatternWrite{
		TenantID: tenant, Type: model.PatternWho, Payload: WhoPayload(0.67), SampleSize: 100, Confidence: 0.86,
	})
	require.NoError(t, err)
	require.True(t, applied)

	got, err := s.GetPattern(ctx, tenant, model.PatternWho)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, Epoch, got.ComputedAt)
	assert.Equal(t, Epoch.Add(window), got.ValidUntil)
	assert.Equal(t, 100, got.SampleSize)
	assert.InDelta(t, 0.86, got.Confidence, 1e-9)
	assert.Equal(t, WhoPayload(0.67), got.Payload)
	assert.True(t, storage.VerifyPattern(*got), "content hash must verify after a round trip")

	clock.Set(Epoch.Add(window - time.Microsecond))
	got, err = s.GetPattern(ctx, tenant, model.PatternWho)
	require.NoError(t, err)
	assert.NotNil(t, got, "pattern is consumable until valid_until")

	clock.Set(Epoch.Add(window))
	got, err = s.GetPattern(ctx, tenant, model.PatternWho)
	require.NoError(t, err)
	assert.Nil(t, got, "pattern is absent once now >= valid_until")

	summaries, err := s.ListPatterns(ctx, tenant)
	require.NoError(t, err)
	require.Len(t, summaries, 1, "expired rows persist")
	assert.True(t, summaries[0].Expired)
	assert.Equal(t, model.PatternWho, summaries[0].Type)
}

func testStaleWriteRejected(t *testing.T, newStore Factory) {
	ctx := context.Background()
	clock := NewClock(Epoch)
	s := newStore(t, storage.WithClock(clock.Now))
	tenant := uuid.New()
	newer := Epoch.Add(-time.Hour)
	older := Epoch.Add(-2 * time.Hour)

	applied, err := s.UpsertPattern(ctx, model.PatternWrite{
		TenantID: tenant, Type: model.PatternWho, Payload: WhoPayload(0.5), SampleSize: 60, Confidence: 0.7, ComputedAt: newer,
	})
	require.NoError(t, err)
	require.True(t, applied)

	applied, err = s.UpsertPattern(ctx, model.PatternWrite{
		TenantID: tenant, Type: model.PatternWho, Payload: WhoPayload(0.1), SampleSize: 40, Confidence: 0.55, ComputedAt: older,
	})
	require.NoError(t, err)
	assert.False(t, applied, "older computed_at must not overwrite")

	got, err := s.GetPattern(ctx, tenant, model.PatternWho)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, newer, got.ComputedAt)
	assert.Equal(t, WhoPayload(0.5), got.Payload)

	history, err := s.PatternHistory(ctx, tenant, model.PatternWho, 10)
	require.NoError(t, err)
	assert.Empty(t, history, "rejected writes leave no history")

	applied, err = s.UpsertPattern(ctx, model.PatternWrite{
		TenantID: tenant, Type: model.PatternWho, Payload: WhoPayload(0.6), SampleSize: 61, Confidence: 0.71, ComputedAt: newer,
	})
	require.NoError(t, err)
	assert.True(t, applied, "an equal computed_at is not older")
}

func testHistory(t *testing.T, newStore Factory) {
	ctx := context.Background()
	clock := NewClock(Epoch)
	s := newStore(t, storage.WithClock(clock.Now))
	tenant := uuid.New()

	for i, rate := range []float64{0.2, 0.3, 0.4} {
		clock.Set(Epoch.Add(time.Duration(i) * time.Hour))
		_, err := s.UpsertPattern(ctx, model.PatternWrite{
			TenantID: tenant, Type: model.PatternWho, Payload: WhoPayload(rate), SampleSize: 50 + i, Confidence: 0.6,
		})
		require.NoError(t, err)
	}

	history, err := s.PatternHistory(ctx, tenant, model.PatternWho, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, Epoch.Add(time.Hour), history[0].ComputedAt, "most recently superseded first")
	assert.Equal(t, Epoch, history[1].ComputedAt)
	assert.Equal(t, WhoPayload(0.3), history[0].Payload)
	assert.Equal(t, 51, history[0].SampleSize)
	assert.Equal(t, Epoch.Add(2*time.Hour), history[0].SupersededAt)
	assert.NotEmpty(t, storage.HistoryRoot(history))

	limited, err := s.PatternHistory(ctx, tenant, model.PatternWho, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	other, err := s.PatternHistory(ctx, tenant, model.PatternHow, 10)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func testMissingPattern(t *testing.T, newStore Factory) {
	s := newStore(t)
	got, err := s.GetPattern(context.Background(), uuid.New(), model.PatternWhen)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func testRejectsInvalidWrites(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t)
	tenant := uuid.New()

	_, err := s.UpsertPattern(ctx, model.PatternWrite{TenantID: tenant, Type: model.PatternHow, Payload: WhoPayload(0.1), Confidence: 0.5})
	assert.Error(t, err, "payload type must match the row type")

	_, err = s.UpsertPattern(ctx, model.PatternWrite{TenantID: tenant, Type: model.PatternWho, Payload: WhoPayload(0.1), Confidence: 1.2})
	assert.Error(t, err, "confidence above 1")

	_, err = s.UpsertPattern(ctx, model.PatternWrite{TenantID: tenant, Type: "why", Payload: WhoPayload(0.1)})
	assert.Error(t, err, "unknown pattern type")
}

func testTenantRequired(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t)

	_, err := s.UpsertPattern(ctx, model.PatternWrite{Type: model.PatternWho, Payload: WhoPayload(0.1)})
	assert.ErrorIs(t, err, storage.ErrTenantRequired)
	_, err = s.GetPattern(ctx, uuid.Nil, model.PatternWho)
	assert.ErrorIs(t, err, storage.ErrTenantRequired)
	_, err = s.ListPatterns(ctx, uuid.Nil)
	assert.ErrorIs(t, err, storage.ErrTenantRequired)
	_, err = s.PatternHistory(ctx, uuid.Nil, model.PatternWho, 1)
	assert.ErrorIs(t, err, storage.ErrTenantRequired)
	_, err = s.ListTouches(ctx, uuid.Nil, model.Window{})
	assert.ErrorIs(t, err, storage.ErrTenantRequired)
	err = s.CreditConversion(ctx, uuid.Nil, uuid.New(), time.Time{})
	assert.ErrorIs(t, err, storage.ErrTenantRequired)
	err = s.RecordTouch(ctx, NewTouch(uuid.Nil, uuid.New(), model.ChannelEmail, Epoch))
	assert.ErrorIs(t, err, storage.ErrTenantRequired)
}

func testTenantIsolation(t *testing.T, newStore Factory) {
	ctx := context.Background()
	clock := NewClock(Epoch)
	s := newStore(t, storage.WithClock(clock.Now))
	a, b := uuid.New(), uuid.New()

	require.NoError(t, s.RecordTouch(ctx, NewTouch(a, uuid.New(), model.ChannelEmail, Epoch.Add(-time.Hour))))
	_, err := s.UpsertPattern(ctx, model.PatternWrite{TenantID: a, Type: model.PatternWho, Payload: WhoPayload(0.4), SampleSize: 40, Confidence: 0.5})
	require.NoError(t, err)

	touches, err := s.ListTouches(ctx, b, model.Window{})
	require.NoError(t, err)
	assert.Empty(t, touches)

	got, err := s.GetPattern(ctx, b, model.PatternWho)
	require.NoError(t, err)
	assert.Nil(t, got)

	summaries, err := s.ListPatterns(ctx, b)
	require.NoError(t, err)
	assert.Empty(t, summaries)

	tenants, err := s.ListTenantIDs(ctx)
	require.NoError(t, err)
	assert.Contains(t, tenants, a)
	assert.NotContains(t, tenants, b)
}

func testSnapshots(t *testing.T, newStore Factory) {
	ctx := context.Background()
	clock := NewClock(Epoch)
	s := newStore(t, storage.WithClock(clock.Now))
	a, b := uuid.New(), uuid.New()

	touch := NewTouch(a, uuid.New(), model.ChannelEmail, Epoch.Add(-time.Hour))
	require.NoError(t, s.RecordTouch(ctx, touch))

	n, err := s.InsertSnapshots(ctx, []model.ContentSnapshot{
		{TouchID: touch.ID, TenantID: b, ContentFeatures: Features()},
		{TouchID: uuid.New(), TenantID: a, ContentFeatures: Features()},
	})
	require.NoError(t, err)
	assert.Zero(t, n, "foreign-tenant and orphan snapshots are skipped")

	bad := Features()
	bad.HourOfDay = 31
	n, err = s.InsertSnapshots(ctx, []model.ContentSnapshot{{TouchID: touch.ID, TenantID: a, ContentFeatures: bad}})
	require.NoError(t, err)
	assert.Zero(t, n, "malformed snapshots are skipped")

	n, err = s.InsertSnapshots(ctx, []model.ContentSnapshot{{TouchID: touch.ID, TenantID: a, ContentFeatures: Features()}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.InsertSnapshots(ctx, []model.ContentSnapshot{{TouchID: touch.ID, TenantID: a, ContentFeatures: Features()}})
	require.NoError(t, err)
	assert.Zero(t, n, "snapshots are immutable")

	touches, err := s.ListTouches(ctx, a, model.Window{})
	require.NoError(t, err)
	require.Len(t, touches, 1)
	require.NotNil(t, touches[0].Snapshot)
	assert.Equal(t, Features(), touches[0].Snapshot.ContentFeatures)
	assert.Equal(t, Epoch, touches[0].Snapshot.RecordedAt)
}

func testCreditConversion(t *testing.T, newStore Factory) {
	ctx := context.Background()
	clock := NewClock(Epoch)
	s := newStore(t, storage.WithClock(clock.Now))
	tenant, lead := uuid.New(), uuid.New()

	first := NewTouch(tenant, lead, model.ChannelEmail, Epoch.Add(-48*time.Hour))
	second := NewTouch(tenant, lead, model.ChannelLinkedIn, Epoch.Add(-24*time.Hour))
	require.NoError(t, s.RecordTouch(ctx, first))
	require.NoError(t, s.RecordTouch(ctx, second))

	assert.ErrorIs(t, s.CreditConversion(ctx, tenant, uuid.New(), time.Time{}), storage.ErrNotFound)
	assert.ErrorIs(t, s.CreditConversion(ctx, uuid.New(), second.ID, time.Time{}), storage.ErrNotFound, "credit is tenant scoped")
	assert.Error(t, s.CreditConversion(ctx, tenant, second.ID, Epoch.Add(-30*time.Hour)), "conversion cannot precede the touch")

	require.NoError(t, s.CreditConversion(ctx, tenant, second.ID, time.Time{}))
	require.NoError(t, s.CreditConversion(ctx, tenant, second.ID, time.Time{}), "re-crediting the same touch is a no-op")
	assert.ErrorIs(t, s.CreditConversion(ctx, tenant, first.ID, time.Time{}), storage.ErrAlreadyCredited)

	touches, err := s.ListTouches(ctx, tenant, model.Window{})
	require.NoError(t, err)
	require.Len(t, touches, 2)
	assert.False(t, touches[0].Converted)
	assert.True(t, touches[1].Converted)
	require.NotNil(t, touches[1].ConvertedAt)
	assert.Equal(t, Epoch, *touches[1].ConvertedAt)

	assert.Error(t, s.RecordTouch(ctx, model.Touch{
		ID: uuid.New(), TenantID: tenant, LeadID: lead, Channel: model.ChannelSMS, SentAt: Epoch, Converted: true,
	}), "conversions are only set through CreditConversion")
}

func testListTouchesWindow(t *testing.T, newStore Factory) {
	ctx := context.Background()
	clock := NewClock(Epoch)
	s := newStore(t, storage.WithClock(clock.Now))
	tenant := uuid.New()

	var ids []uuid.UUID
	for i := range 5 {
		touch := NewTouch(tenant, uuid.New(), model.ChannelEmail, Epoch.Add(-time.Duration(5-i)*24*time.Hour))
		require.NoError(t, s.RecordTouch(ctx, touch))
		ids = append(ids, touch.ID)
	}
	future := NewTouch(tenant, uuid.New(), model.ChannelEmail, Epoch.Add(time.Hour))
	require.NoError(t, s.RecordTouch(ctx, future))

	all, err := s.ListTouches(ctx, tenant, model.Window{})
	require.NoError(t, err)
	require.Len(t, all, 5, "zero until means now")
	for i, touch := range all {
		assert.Equal(t, ids[i], touch.ID, "ordered by sent_at")
		assert.Equal(t, tenant, touch.TenantID)
	}

	recent, err := s.ListTouches(ctx, tenant, model.Window{Since: Epoch.Add(-3 * 24 * time.Hour), Until: Epoch.Add(-24 * time.Hour)})
	require.NoError(t, err)
	require.Len(t, recent, 2, "since is inclusive and until exclusive")
	assert.Equal(t, ids[2], recent[0].ID)
	assert.Equal(t, ids[3], recent[1].ID)
}

func testSweepExpiring(t *testing.T, newStore Factory) {
	ctx := context.Background()
	clock := NewClock(Epoch)
	window := 10 * 24 * time.Hour
	s := newStore(t, storage.WithClock(clock.Now), storage.WithValidityWindow(window))
	tenant := uuid.New()

	write := func(typ model.PatternType, p model.Payload, computedAt time.Time) {
		_, err := s.UpsertPattern(ctx, model.PatternWrite{TenantID: tenant, Type: typ, Payload: p, SampleSize: 40, Confidence: 0.5, ComputedAt: computedAt})
		require.NoError(t, err)
	}
	write(model.PatternWho, WhoPayload(0.3), Epoch.Add(-11*24*time.Hour))                         // expired
	write(model.PatternWhen, model.DefaultPayload(model.PatternWhen), Epoch.Add(-9*24*time.Hour)) // expires in 1 day
	write(model.PatternHow, model.DefaultPayload(model.PatternHow), Epoch)                        // fresh

	keys, err := s.SweepExpiring(ctx, 48*time.Hour)
	require.NoError(t, err)

	var mine []model.PatternKey
	for _, k := range keys {
		if k.TenantID == tenant {
			mine = append(mine, k)
		}
	}
	require.Len(t, mine, 2)
	assert.Equal(t, model.PatternWho, mine[0].Type)
	assert.Equal(t, model.PatternWhen, mine[1].Type)
	assert.Equal(t, Epoch.Add(-24*time.Hour), mine[0].ValidUntil)

	got, err := s.GetPattern(ctx, tenant, model.PatternWhen)
	require.NoError(t, err)
	assert.NotNil(t, got, "sweeping is read-only")
}
