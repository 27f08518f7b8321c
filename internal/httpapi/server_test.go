package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modelhub/internal/metrics"
	"modelhub/internal/notification"
	"modelhub/internal/storage"
	"modelhub/pkg/logx"
)

type fakeQueue struct {
	ids []string
	err error
}

func (f *fakeQueue) EnqueueImport(id string) error {
	f.ids = append(f.ids, id)
	return f.err
}

type fixture struct {
	store *storage.Store
	queue *fakeQueue
	h     http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	st, err := storage.Open(context.Background(), storage.Config{Path: filepath.Join(t.TempDir(), "api.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	reg := notification.Default()
	runner := notification.NewRunner(reg, notification.NewEngine(st, 0, logx.Nop()), st, logx.Nop(), notification.RunnerOptions{
		// Rows written in the same millisecond as the scan start fall in the next window.
		Now: func() time.Time { return time.Now().Add(time.Second) },
	})
	q := &fakeQueue{}
	srv := New(Config{}, Deps{Store: st, Registry: reg, Runner: runner, Imports: q, Metrics: metrics.New()})
	return &fixture{store: st, queue: q, h: srv.Handler()}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m), w.Body.String())
	return m
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["status"])

	w = f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")

	w = f.do(t, http.MethodGet, "/debug/pprof/", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestNotificationTypes(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.AdvanceWatermark(context.Background(), notification.TypeNewVersion, time.UnixMilli(5000)))

	w := f.do(t, http.MethodGet, "/api/v1/notification-types", nil)
	require.Equal(t, http.StatusOK, w.Code)
	types := decode(t, w)["types"].([]any)
	require.Len(t, types, 4)
	first := types[0].(map[string]any)
	assert.Equal(t, notification.TypeDownloadMilestone, first["type"])
	assert.Equal(t, "Model Download Milestones", first["displayName"])
	assert.Nil(t, first["lastSent"])
	assert.NotNil(t, types[2].(map[string]any)["lastSent"])
}

func TestRunAndListNotifications(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.UpsertUser(ctx, storage.User{ID: "owner", Username: "owner"}))
	require.NoError(t, f.store.UpsertModel(ctx, storage.Model{ID: "m1", UserID: "owner", Name: "Dreamy"}))
	require.NoError(t, f.store.UpsertModelVersion(ctx, storage.ModelVersion{ID: "v1", ModelID: "m1", Name: "1.0"}))
	for range 5 {
		w := f.do(t, http.MethodPost, "/api/v1/model-versions/v1/downloads", nil)
		require.Equal(t, http.StatusNoContent, w.Code)
	}

	w := f.do(t, http.MethodPost, "/api/v1/notifications/nope/run", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/notifications/"+notification.TypeDownloadMilestone+"/run", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.EqualValues(t, 1, decode(t, w)["result"].(map[string]any)["inserted"])

	w = f.do(t, http.MethodGet, "/api/v1/users/owner/notifications?limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code)
	items := decode(t, w)["items"].([]any)
	require.Len(t, items, 1)
	item := items[0].(map[string]any)
	assert.Equal(t, "Congrats! Your Dreamy model has received 5 downloads", item["message"])
	assert.Equal(t, "/models/m1", item["url"])
	assert.Nil(t, item["viewedAt"])

	w = f.do(t, http.MethodGet, "/api/v1/users/owner/notifications/unread-count", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["count"])

	w = f.do(t, http.MethodGet, "/api/v1/users/owner/notifications?limit=x", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/notifications/run", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Len(t, decode(t, w)["results"].([]any), 4)
}

func TestListNotificationsFollowsCursor(t *testing.T) {
	f := newFixture(t)
	rows := make([]storage.NewNotification, 3)
	for i := range rows {
		rows[i] = storage.NewNotification{UserID: "u", Type: notification.TypeNewVersion, EntityID: fmt.Sprint(i), Details: []byte(`{}`)}
	}
	_, err := f.store.InsertNotifications(context.Background(), rows, 10)
	require.NoError(t, err)

	seen := map[string]bool{}
	path := "/api/v1/users/u/notifications?limit=2"
	for path != "" {
		w := f.do(t, http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		body := decode(t, w)
		for _, it := range body["items"].([]any) {
			seen[it.(map[string]any)["id"].(string)] = true
		}
		path = ""
		if next, ok := body["next"].(map[string]any); ok {
			path = fmt.Sprintf("/api/v1/users/u/notifications?limit=2&before=%.0f&beforeId=%s", next["before"], next["beforeId"])
		}
	}
	assert.Len(t, seen, 3)
}

func TestRecordDownloadUnknownVersion(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/api/v1/model-versions/missing/downloads", map[string]string{"userId": "u1"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestNotificationSettings(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPut, "/api/v1/users/u1/notification-settings/bogus", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodPut, "/api/v1/users/u1/notification-settings/*", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = f.do(t, http.MethodPut, "/api/v1/users/u1/notification-settings/"+notification.TypeNewVersion, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/users/u1/notification-settings", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []any{"*", notification.TypeNewVersion}, decode(t, w)["optOuts"])

	w = f.do(t, http.MethodDelete, "/api/v1/users/u1/notification-settings/*", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = f.do(t, http.MethodGet, "/api/v1/users/u1/notification-settings", nil)
	assert.Equal(t, []any{notification.TypeNewVersion}, decode(t, w)["optOuts"])
}

func TestFavoritesAndFollows(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/users/u1/favorites/m1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["liked"])
	w = f.do(t, http.MethodPost, "/api/v1/users/u1/favorites/m1", nil)
	assert.Equal(t, false, decode(t, w)["liked"])

	w = f.do(t, http.MethodPost, "/api/v1/users/u1/follows/u1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/users/u1/follows/u2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["active"])
	w = f.do(t, http.MethodPost, "/api/v1/users/u1/hides/u2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Hide", decode(t, w)["type"])
	assert.Equal(t, true, decode(t, w)["active"])
}

func TestImports(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/imports", map[string]string{"source": "hf:model/foo"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/imports", map[string]string{"source": "hf:model/foo", "userId": "u1"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, true, body["queued"])
	job := body["job"].(map[string]any)
	id := job["id"].(string)
	assert.Equal(t, "Pending", job["status"])
	assert.Equal(t, []string{id}, f.queue.ids)

	_, err := f.store.InsertChildJobs(context.Background(), storage.ImportJob{ID: id, UserID: "u1"},
		[]storage.ChildJob{{Source: "hf:author/bar"}}, 0)
	require.NoError(t, err)

	w = f.do(t, http.MethodGet, "/api/v1/imports/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	children := decode(t, w)["children"].([]any)
	require.Len(t, children, 1)
	assert.Equal(t, "hf:author/bar", children[0].(map[string]any)["source"])

	w = f.do(t, http.MethodGet, "/api/v1/imports/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	f.queue.err = errors.New("queue full")
	w = f.do(t, http.MethodPost, "/api/v1/imports", map[string]string{"source": "hf:author/x", "userId": "u1"})
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, false, decode(t, w)["queued"])
}

func TestPprofRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := New(Config{Pprof: true}, Deps{Registry: notification.Default(), Log: logx.Nop()})
	req := httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "profile"))
}
