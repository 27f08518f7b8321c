package notification

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modelhub/internal/lease"
	"modelhub/internal/storage"
	"modelhub/internal/task/engine"
	"modelhub/pkg/logx"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func openStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(context.Background(), storage.Config{Path: filepath.Join(t.TempDir(), "n.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedModel(t *testing.T, s *storage.Store, owner, modelID, name string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.UpsertUser(ctx, storage.User{ID: owner, Username: owner}))
	require.NoError(t, s.UpsertModel(ctx, storage.Model{ID: modelID, UserID: owner, Name: name, Type: "Checkpoint"}))
}

func download(t *testing.T, s *storage.Store, modelID string, n int, at time.Time) {
	t.Helper()
	for i := range n {
		require.NoError(t, s.RecordActivity(context.Background(), "", storage.ActivityModelDownload, modelID, "", at.Add(time.Duration(i)*time.Millisecond)))
	}
}

func notificationsOf(t *testing.T, s *storage.Store, user string) []storage.Notification {
	t.Helper()
	list, err := s.ListNotifications(context.Background(), user, storage.ListOptions{Limit: 100})
	require.NoError(t, err)
	return list
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newRunner(s *storage.Store, c *clock, opt RunnerOptions) *Runner {
	opt.Now = c.Now
	return NewRunner(Default(), NewEngine(s, 0, logx.Nop()), s, logx.Nop(), opt)
}

func TestDownloadMilestoneEmitsHighestCrossed(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	seedModel(t, s, "owner", "m1", "Dreamy")
	download(t, s, "m1", 12, t0)

	rule := Rule{Type: TypeDownloadMilestone, Kind: KindMilestone, Thresholds: []int64{5, 10, 20}, query: downloadMilestoneQuery}
	rule.details = DefaultRules()[0].details
	e := NewEngine(s, 0, logx.Nop())

	detected, inserted, err := e.Process(ctx, rule, Window{Since: time.UnixMilli(0), Until: t0.Add(time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, 1, detected)
	assert.EqualValues(t, 1, inserted)

	list := notificationsOf(t, s, "owner")
	require.Len(t, list, 1)
	assert.EqualValues(t, 10, list[0].Milestone)
	assert.Equal(t, "m1", list[0].EntityID)
	assert.JSONEq(t, `{"modelId":"m1","modelName":"Dreamy","downloadCount":10}`, list[0].Details)
}

func TestRunAdvancesWatermarkAndRescanIsEmpty(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	seedModel(t, s, "owner", "m1", "Dreamy")
	download(t, s, "m1", 12, t0)

	c := &clock{now: t0.Add(time.Hour)}
	r := newRunner(s, c, RunnerOptions{})

	res, err := r.Run(ctx, TypeDownloadMilestone)
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Inserted)
	wm, err := s.Watermark(ctx, TypeDownloadMilestone)
	require.NoError(t, err)
	assert.Equal(t, c.now.UnixMilli(), wm.UnixMilli())

	c.now = c.now.Add(time.Hour)
	res, err = r.Run(ctx, TypeDownloadMilestone)
	require.NoError(t, err)
	assert.Zero(t, res.Inserted)
	assert.Len(t, notificationsOf(t, s, "owner"), 1)
}

func TestMilestoneNeverRepeatsAtOrBelowRecorded(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	seedModel(t, s, "owner", "m1", "Dreamy")
	download(t, s, "m1", 12, t0)

	c := &clock{now: t0.Add(time.Hour)}
	r := newRunner(s, c, RunnerOptions{})
	_, err := r.Run(ctx, TypeDownloadMilestone)
	require.NoError(t, err)

	// 15 total: highest reached is still 10.
	download(t, s, "m1", 3, c.now.Add(time.Minute))
	c.now = c.now.Add(time.Hour)
	res, err := r.Run(ctx, TypeDownloadMilestone)
	require.NoError(t, err)
	assert.Zero(t, res.Inserted)

	// 20 total crosses the next threshold.
	download(t, s, "m1", 5, c.now.Add(time.Minute))
	c.now = c.now.Add(time.Hour)
	res, err = r.Run(ctx, TypeDownloadMilestone)
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Inserted)

	var milestones []int64
	for _, n := range notificationsOf(t, s, "owner") {
		milestones = append(milestones, n.Milestone)
	}
	assert.ElementsMatch(t, []int64{10, 20}, milestones)
}

func TestOptedOutUsersAreSkipped(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	seedModel(t, s, "typed", "m1", "A")
	seedModel(t, s, "all", "m2", "B")
	seedModel(t, s, "keen", "m3", "C")
	for _, m := range []string{"m1", "m2", "m3"} {
		download(t, s, m, 5, t0)
	}
	require.NoError(t, s.OptOut(ctx, "typed", TypeDownloadMilestone))
	require.NoError(t, s.OptOut(ctx, "all", storage.OptOutAll))
	require.NoError(t, s.OptOut(ctx, "keen", TypeLikeMilestone))

	r := newRunner(s, &clock{now: t0.Add(time.Hour)}, RunnerOptions{})
	res, err := r.Run(ctx, TypeDownloadMilestone)
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Inserted)

	assert.Empty(t, notificationsOf(t, s, "typed"))
	assert.Empty(t, notificationsOf(t, s, "all"))
	assert.Len(t, notificationsOf(t, s, "keen"), 1)
}

func TestLikeMilestone(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	seedModel(t, s, "owner", "m1", "Dreamy")
	for _, u := range []string{"a", "b", "c"} {
		liked, err := s.ToggleFavorite(ctx, u, "m1")
		require.NoError(t, err)
		require.True(t, liked)
	}

	rule := DefaultRules()[1]
	rule.Thresholds = []int64{2, 5}
	e := NewEngine(s, 0, logx.Nop())
	_, inserted, err := e.Process(ctx, rule, Window{Since: time.UnixMilli(0), Until: time.Now().Add(time.Minute)})
	require.NoError(t, err)
	assert.EqualValues(t, 1, inserted)

	list := notificationsOf(t, s, "owner")
	require.Len(t, list, 1)
	assert.EqualValues(t, 2, list[0].Milestone)
}

func TestNewVersionNotifiesEarlierLikers(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	seedModel(t, s, "owner", "m1", "Dreamy")
	_, err := s.ToggleFavorite(ctx, "fan", "m1")
	require.NoError(t, err)

	now := time.Now()
	// v1 predates the like, v2 follows it.
	require.NoError(t, s.UpsertModelVersion(ctx, storage.ModelVersion{ID: "v1", ModelID: "m1", Name: "v1.0", CreatedAt: now.Add(-30 * time.Second).UnixMilli()}))
	require.NoError(t, s.UpsertModelVersion(ctx, storage.ModelVersion{ID: "v2", ModelID: "m1", Name: "v2.0", CreatedAt: now.Add(time.Second).UnixMilli()}))

	e := NewEngine(s, 0, logx.Nop())
	rule, _ := Default().Get(TypeNewVersion)
	_, inserted, err := e.Process(ctx, rule, Window{Since: now.Add(-time.Minute), Until: now.Add(time.Minute)})
	require.NoError(t, err)
	assert.EqualValues(t, 1, inserted)

	list := notificationsOf(t, s, "fan")
	require.Len(t, list, 1)
	assert.Equal(t, "v2", list[0].EntityID)
	assert.Equal(t, "The Dreamy model you liked has a new version: v2.0",
		rule.Message(decodeDetails(t, list[0].Details)).Message)
}

func TestNewModelFromFollowing(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertUser(ctx, storage.User{ID: "ana", Username: "ana"}))
	on, err := s.ToggleEngagement(ctx, "follower", "ana", storage.EngagementFollow)
	require.NoError(t, err)
	require.True(t, on)
	_, err = s.ToggleEngagement(ctx, "hider", "ana", storage.EngagementHide)
	require.NoError(t, err)

	now := time.Now()
	published := sql.NullInt64{Int64: now.Add(time.Second).UnixMilli(), Valid: true}
	require.NoError(t, s.UpsertModel(ctx, storage.Model{ID: "m9", UserID: "ana", Name: "Sharp", Type: "TextualInversion", PublishedAt: published}))
	require.NoError(t, s.UpsertModel(ctx, storage.Model{ID: "draft", UserID: "ana", Name: "Draft", Type: "LORA"}))

	e := NewEngine(s, 0, logx.Nop())
	rule, _ := Default().Get(TypeNewFromFollowing)
	_, inserted, err := e.Process(ctx, rule, Window{Since: now.Add(-time.Minute), Until: now.Add(time.Minute)})
	require.NoError(t, err)
	assert.EqualValues(t, 1, inserted)

	list := notificationsOf(t, s, "follower")
	require.Len(t, list, 1)
	assert.Equal(t, "ana released a new textual inversion: Sharp",
		rule.Message(decodeDetails(t, list[0].Details)).Message)
	assert.Empty(t, notificationsOf(t, s, "hider"))
}

func TestFailedScanKeepsWatermark(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := storage.New(sqlx.NewDb(db, "sqlmock"), storage.DialectSQLite, logx.Nop())

	mock.ExpectQuery("SELECT last_sent FROM notification_watermark").
		WithArgs(TypeNewVersion).
		WillReturnRows(sqlmock.NewRows([]string{"last_sent"}).AddRow(int64(1000)))
	mock.ExpectQuery("SELECT c.recipient_id").WillReturnError(errors.New("connection reset"))

	r := NewRunner(Default(), NewEngine(s, 0, logx.Nop()), s, logx.Nop(), RunnerOptions{})
	res, err := r.Run(context.Background(), TypeNewVersion)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.NotEmpty(t, res.Error)
	// No watermark upsert was issued.
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunAllIsolatesFailures(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	seedModel(t, s, "owner", "m1", "Dreamy")
	download(t, s, "m1", 5, t0)

	broken := Rule{Type: "broken", Kind: KindEvent, query: func(Window, []int64) (string, []any) {
		return `SELECT * FROM missing_table`, nil
	}}
	reg, err := NewRegistry(broken, DefaultRules()[0])
	require.NoError(t, err)
	c := &clock{now: t0.Add(time.Hour)}
	r := NewRunner(reg, NewEngine(s, 0, logx.Nop()), s, logx.Nop(), RunnerOptions{Now: c.Now})

	results, err := r.RunAll(ctx)
	require.Error(t, err)
	require.Len(t, results, 2)
	assert.NotEmpty(t, results[0].Error)
	assert.EqualValues(t, 1, results[1].Inserted)

	wm, err := s.Watermark(ctx, "broken")
	require.NoError(t, err)
	assert.Zero(t, wm.UnixMilli())
	wm, err = s.Watermark(ctx, TypeDownloadMilestone)
	require.NoError(t, err)
	assert.Equal(t, c.now.UnixMilli(), wm.UnixMilli())
}

type heldLocker struct{}

func (heldLocker) TryAcquire(context.Context, string, time.Duration) (lease.Release, bool, error) {
	return nil, false, nil
}

func TestRunSkipsWhenLeaseHeld(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	seedModel(t, s, "owner", "m1", "Dreamy")
	download(t, s, "m1", 5, t0)

	r := newRunner(s, &clock{now: t0.Add(time.Hour)}, RunnerOptions{Locker: heldLocker{}})
	res, err := r.Run(ctx, TypeDownloadMilestone)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Empty(t, notificationsOf(t, s, "owner"))
	wm, err := s.Watermark(ctx, TypeDownloadMilestone)
	require.NoError(t, err)
	assert.Zero(t, wm.UnixMilli())
}

func TestJobUnknownTypeIsNotRetried(t *testing.T) {
	s := openStore(t)
	r := newRunner(s, &clock{now: t0}, RunnerOptions{})
	err := r.Job("nope")(context.Background())
	require.Error(t, err)
	assert.True(t, engine.IsNoRetry(err))
	assert.ErrorIs(t, err, ErrUnknownType)
}
