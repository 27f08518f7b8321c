package storage

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

	"modelhub/pkg/logx"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenMigratesOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.db")
	ctx := context.Background()

	s, err := Open(ctx, Config{Path: path}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(ctx, Config{Path: path}, logx.Nop())
	require.NoError(t, err)
	defer s.Close()

	var versions []int
	require.NoError(t, s.Select(ctx, &versions, `SELECT version FROM schema_version`))
	assert.Equal(t, []int{1}, versions)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "mysql"}, logx.Nop())
	require.Error(t, err)
}

func TestUpsertModelKeepsFirstPublish(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := sql.NullInt64{Int64: 1000, Valid: true}
	require.NoError(t, s.UpsertModel(ctx, Model{ID: "m1", UserID: "u1", Name: "A", Type: "Checkpoint"}))
	require.NoError(t, s.UpsertModel(ctx, Model{ID: "m1", UserID: "u1", Name: "A", Type: "Checkpoint", PublishedAt: first}))
	require.NoError(t, s.UpsertModel(ctx, Model{ID: "m1", UserID: "u1", Name: "B", Type: "LORA",
		PublishedAt: sql.NullInt64{Int64: 5000, Valid: true}}))

	m, err := s.Model(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "B", m.Name)
	assert.Equal(t, first, m.PublishedAt)

	_, err = s.Model(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordDownloadResolvesModel(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertModelVersion(ctx, ModelVersion{ID: "v1", ModelID: "m1", Name: "v1.0"}))
	require.NoError(t, s.RecordDownload(ctx, "", "v1"))
	require.NoError(t, s.RecordDownload(ctx, "u9", "v1"))

	var n int
	require.NoError(t, s.get(ctx, &n, `SELECT COUNT(*) FROM user_activity WHERE model_id = ? AND activity = ?`, "m1", ActivityModelDownload))
	assert.Equal(t, 2, n)

	err := s.RecordDownload(ctx, "", "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestToggleFavoriteAndEngagement(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	liked, err := s.ToggleFavorite(ctx, "u1", "m1")
	require.NoError(t, err)
	assert.True(t, liked)
	liked, err = s.ToggleFavorite(ctx, "u1", "m1")
	require.NoError(t, err)
	assert.False(t, liked)

	on, err := s.ToggleEngagement(ctx, "u1", "u2", EngagementFollow)
	require.NoError(t, err)
	assert.True(t, on)
	on, err = s.ToggleEngagement(ctx, "u1", "u2", EngagementHide)
	require.NoError(t, err)
	assert.True(t, on)
	var typ string
	require.NoError(t, s.get(ctx, &typ, `SELECT type FROM user_engagement WHERE user_id = ? AND target_user_id = ?`, "u1", "u2"))
	assert.Equal(t, EngagementHide, typ)

	on, err = s.ToggleEngagement(ctx, "u1", "u2", EngagementHide)
	require.NoError(t, err)
	assert.False(t, on)
}

func TestOptOuts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.OptOut(ctx, "u1", "b"))
	require.NoError(t, s.OptOut(ctx, "u1", OptOutAll))
	require.NoError(t, s.OptOut(ctx, "u1", "b"))

	got, err := s.OptOuts(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{OptOutAll, "b"}, got)

	require.NoError(t, s.OptIn(ctx, "u1", OptOutAll))
	got, err = s.OptOuts(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, got)
}

func TestInsertNotificationsSkipsDuplicates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rows := []NewNotification{
		{UserID: "u1", Type: "t", EntityID: "e1", Milestone: 5, Details: []byte(`{"a":1}`)},
		{UserID: "u1", Type: "t", EntityID: "e1", Milestone: 10, Details: []byte(`{}`)},
		{UserID: "u2", Type: "t", EntityID: "e1", Milestone: 5, Details: []byte(`{}`)},
	}
	n, err := s.InsertNotifications(ctx, rows, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	n, err = s.InsertNotifications(ctx, rows, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	list, err := s.ListNotifications(ctx, "u1", ListOptions{Limit: 10})
	require.NoError(t, err)
	require.Len(t, list, 2)
	for _, n := range list {
		assert.Equal(t, "u1", n.UserID)
		assert.False(t, n.ViewedAt.Valid)
		assert.Len(t, n.ID, 32)
	}

	unread, err := s.UnreadCount(ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, unread)
}

func TestInsertNotificationsRollsBackOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := New(sqlx.NewDb(db, "sqlmock"), DialectSQLite, logx.Nop())

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO notification").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO notification").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	rows := []NewNotification{
		{UserID: "u1", Type: "t", EntityID: "e1"},
		{UserID: "u2", Type: "t", EntityID: "e1"},
	}
	_, err = s.InsertNotifications(context.Background(), rows, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWatermarkNeverMovesBackwards(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	wm, err := s.Watermark(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, int64(0), wm.UnixMilli())

	later := time.UnixMilli(2_000_000)
	require.NoError(t, s.AdvanceWatermark(ctx, "t", later))
	require.NoError(t, s.AdvanceWatermark(ctx, "t", time.UnixMilli(1_000_000)))

	wm, err = s.Watermark(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, later.UnixMilli(), wm.UnixMilli())

	all, err := s.Watermarks(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "t", all[0].Type)
}

func TestImportJobLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	root, err := s.CreateImportJob(ctx, "hf:author/acme", "u1", nil)
	require.NoError(t, err)
	assert.Equal(t, ImportPending, root.Status)

	pending, err := s.ResumableImportJobs(ctx, time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	n, err := s.InsertChildJobs(ctx, root, []ChildJob{
		{Source: "hf:model/acme/a", Data: []byte(`{"author":"acme"}`)},
		{Source: "hf:model/acme/b"},
		{Source: "hf:model/acme/c"},
	}, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	children, err := s.ChildJobs(ctx, root.ID)
	require.NoError(t, err)
	require.Len(t, children, 3)
	for _, c := range children {
		assert.Equal(t, "u1", c.UserID)
		assert.Equal(t, root.ID, c.ParentID.String)
	}

	require.NoError(t, s.UpdateImportStatus(ctx, root.ID, ImportProcessing, []byte(`{"step":1}`)))
	require.NoError(t, s.UpdateImportStatus(ctx, root.ID, ImportCompleted, nil))
	got, err := s.ImportJob(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, ImportCompleted, got.Status)
	assert.JSONEq(t, `{"step":1}`, got.Data.String)

	pending, err = s.ResumableImportJobs(ctx, time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, pending, "fresh children of a finished root wait out the grace period")

	assert.ErrorIs(t, s.UpdateImportStatus(ctx, "missing", ImportFailed, nil), ErrNotFound)
}

func TestClaimImportJobIsExclusive(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	job, err := s.CreateImportJob(ctx, "hf:model/acme/a", "u1", nil)
	require.NoError(t, err)
	stale := time.Now().Add(-time.Minute)

	ok, err := s.ClaimImportJob(ctx, job.ID, stale)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ClaimImportJob(ctx, job.ID, stale)
	require.NoError(t, err)
	assert.False(t, ok, "a running job cannot be claimed twice")

	require.NoError(t, s.UpdateImportStatus(ctx, job.ID, ImportCompleted, nil))
	ok, err = s.ClaimImportJob(ctx, job.ID, stale)
	require.NoError(t, err)
	assert.False(t, ok, "completed jobs stay completed")

	require.NoError(t, s.UpdateImportStatus(ctx, job.ID, ImportFailed, nil))
	ok, err = s.ClaimImportJob(ctx, job.ID, stale)
	require.NoError(t, err)
	assert.True(t, ok, "failed jobs can be retried")

	_, err = s.exec(ctx, `UPDATE import_job SET updated_at = ? WHERE id = ?`, unixMS(stale.Add(-time.Minute)), job.ID)
	require.NoError(t, err)
	ok, err = s.ClaimImportJob(ctx, job.ID, stale)
	require.NoError(t, err)
	assert.True(t, ok, "an abandoned run is reclaimed")

	ok, err = s.ClaimImportJob(ctx, "missing", stale)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestResumableImportJobsAfterCrash(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	old := unixMS(time.Now().Add(-time.Hour))
	staleBefore := time.Now().Add(-time.Minute)

	done, err := s.CreateImportJob(ctx, "hf:author/acme", "u1", nil)
	require.NoError(t, err)
	_, err = s.InsertChildJobs(ctx, done, []ChildJob{{Source: "hf:model/acme/a"}}, 10)
	require.NoError(t, err)
	require.NoError(t, s.UpdateImportStatus(ctx, done.ID, ImportCompleted, nil))

	running, err := s.CreateImportJob(ctx, "hf:author/busy", "u1", nil)
	require.NoError(t, err)
	_, err = s.InsertChildJobs(ctx, running, []ChildJob{{Source: "hf:model/busy/a"}}, 10)
	require.NoError(t, err)
	require.NoError(t, s.UpdateImportStatus(ctx, running.ID, ImportProcessing, nil))

	stuck, err := s.CreateImportJob(ctx, "hf:model/acme/stuck", "u1", nil)
	require.NoError(t, err)
	require.NoError(t, s.UpdateImportStatus(ctx, stuck.ID, ImportProcessing, nil))

	_, err = s.exec(ctx, `UPDATE import_job SET created_at = ?, updated_at = ?`, old, old)
	require.NoError(t, err)
	_, err = s.exec(ctx, `UPDATE import_job SET updated_at = ? WHERE id = ?`, unixMS(time.Now()), running.ID)
	require.NoError(t, err)

	jobs, err := s.ResumableImportJobs(ctx, staleBefore, 10)
	require.NoError(t, err)
	var sources []string
	for _, j := range jobs {
		sources = append(sources, j.Source)
	}
	assert.ElementsMatch(t, []string{"hf:model/acme/a", "hf:model/acme/stuck"}, sources)
}

func TestListNotificationsPagesThroughSharedTimestamp(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rows := make([]NewNotification, 5)
	for i := range rows {
		rows[i] = NewNotification{UserID: "u", Type: "t", EntityID: string(rune('a' + i)), Details: []byte(`{}`)}
	}
	_, err := s.InsertNotifications(ctx, rows, 10)
	require.NoError(t, err)

	seen := map[string]bool{}
	opt := ListOptions{Limit: 2}
	for range 5 {
		page, err := s.ListNotifications(ctx, "u", opt)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		for _, n := range page {
			assert.False(t, seen[n.ID], "row %s listed twice", n.ID)
			seen[n.ID] = true
		}
		last := page[len(page)-1]
		opt.Before, opt.BeforeID = Time(last.CreatedAt), last.ID
	}
	assert.Len(t, seen, 5)
}

func TestUpsertImportedUserAvoidsTakenUsername(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertUser(ctx, User{ID: "local-bob", Username: "bob"}))

	hfID := StableID("hf:user", "bob")
	name, err := s.UpsertImportedUser(ctx, User{ID: hfID, Username: "bob"}, "@hf")
	require.NoError(t, err)
	assert.Equal(t, "bob@hf", name)

	name, err = s.UpsertImportedUser(ctx, User{ID: hfID, Username: "bob"}, "@hf")
	require.NoError(t, err)
	assert.Equal(t, "bob@hf", name)

	name, err = s.UpsertImportedUser(ctx, User{ID: StableID("hf:user", "ann"), Username: "ann"}, "@hf")
	require.NoError(t, err)
	assert.Equal(t, "ann", name)

	var names []string
	require.NoError(t, s.Select(ctx, &names, `SELECT username FROM app_user ORDER BY username`))
	assert.Equal(t, []string{"ann", "bob", "bob@hf"}, names)
}
