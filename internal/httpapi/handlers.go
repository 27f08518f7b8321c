package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"modelhub/internal/notification"
	"modelhub/internal/storage"
	"modelhub/pkg/logx"
)

type notificationView struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	EntityID  string          `json:"entityId"`
	Milestone int64           `json:"milestone"`
	Details   json.RawMessage `json:"details"`
	Message   string          `json:"message"`
	URL       string          `json:"url"`
	CreatedAt time.Time       `json:"createdAt"`
	ViewedAt  *time.Time      `json:"viewedAt,omitempty"`
}

type importView struct {
	ID        string               `json:"id"`
	Source    string               `json:"source"`
	UserID    string               `json:"userId"`
	ParentID  string               `json:"parentId,omitempty"`
	Status    storage.ImportStatus `json:"status"`
	Data      json.RawMessage      `json:"data,omitempty"`
	CreatedAt time.Time            `json:"createdAt"`
	UpdatedAt time.Time            `json:"updatedAt"`
}

func toImportView(j storage.ImportJob) importView {
	v := importView{
		ID:        j.ID,
		Source:    j.Source,
		UserID:    j.UserID,
		ParentID:  j.ParentID.String,
		Status:    j.Status,
		CreatedAt: storage.Time(j.CreatedAt),
		UpdatedAt: storage.Time(j.UpdatedAt),
	}
	if j.Data.Valid && json.Valid([]byte(j.Data.String)) {
		v.Data = json.RawMessage(j.Data.String)
	}
	return v
}

func (s *Server) internalError(c *gin.Context, op string, err error) {
	s.log.Error("http handler failed", logx.String("op", op), logx.Err(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to " + op})
}

func (s *Server) listTypes(c *gin.Context) {
	marks, err := s.deps.Store.Watermarks(c.Request.Context())
	if err != nil {
		s.internalError(c, "load watermarks", err)
		return
	}
	lastSent := make(map[string]time.Time, len(marks))
	for _, m := range marks {
		lastSent[m.Type] = storage.Time(m.LastSent)
	}

	type typeView struct {
		Type        string     `json:"type"`
		DisplayName string     `json:"displayName"`
		Kind        string     `json:"kind"`
		Thresholds  []int64    `json:"thresholds,omitempty"`
		LastSent    *time.Time `json:"lastSent,omitempty"`
	}
	var out []typeView
	for _, r := range s.deps.Registry.Rules() {
		v := typeView{Type: r.Type, DisplayName: r.DisplayName, Kind: r.Kind.String(), Thresholds: r.Thresholds}
		if t, ok := lastSent[r.Type]; ok {
			v.LastSent = &t
		}
		out = append(out, v)
	}
	c.JSON(http.StatusOK, gin.H{"types": out})
}

func (s *Server) runOne(c *gin.Context) {
	res, err := s.deps.Runner.Run(c.Request.Context(), c.Param("type"))
	switch {
	case errors.Is(err, notification.ErrUnknownType):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "result": res})
	default:
		c.JSON(http.StatusOK, gin.H{"result": res})
	}
}

func (s *Server) runAll(c *gin.Context) {
	results, err := s.deps.Runner.RunAll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "results": results})
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func (s *Server) listNotifications(c *gin.Context) {
	opt := storage.ListOptions{Limit: 50}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		opt.Limit = min(n, 200)
	}
	if v := c.Query("before"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "before must be unix milliseconds"})
			return
		}
		opt.Before = time.UnixMilli(ms)
		opt.BeforeID = c.Query("beforeId")
	}

	list, err := s.deps.Store.ListNotifications(c.Request.Context(), c.Param("userID"), opt)
	if err != nil {
		s.internalError(c, "list notifications", err)
		return
	}
	out := make([]notificationView, 0, len(list))
	for _, n := range list {
		var details map[string]any
		_ = json.Unmarshal([]byte(n.Details), &details)
		msg := s.deps.Registry.Render(n.Type, details)
		v := notificationView{
			ID:        n.ID,
			Type:      n.Type,
			EntityID:  n.EntityID,
			Milestone: n.Milestone,
			Details:   json.RawMessage(n.Details),
			Message:   msg.Message,
			URL:       msg.URL,
			CreatedAt: storage.Time(n.CreatedAt),
		}
		if !json.Valid(v.Details) {
			v.Details = json.RawMessage("null")
		}
		if n.ViewedAt.Valid {
			t := storage.Time(n.ViewedAt.Int64)
			v.ViewedAt = &t
		}
		out = append(out, v)
	}
	resp := gin.H{"items": out}
	if len(list) == opt.Limit {
		last := list[len(list)-1]
		resp["next"] = gin.H{"before": last.CreatedAt, "beforeId": last.ID}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) unreadCount(c *gin.Context) {
	n, err := s.deps.Store.UnreadCount(c.Request.Context(), c.Param("userID"))
	if err != nil {
		s.internalError(c, "count notifications", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": n})
}

func (s *Server) settingType(c *gin.Context) (string, bool) {
	typ := c.Param("type")
	if typ == storage.OptOutAll {
		return typ, true
	}
	if _, err := s.deps.Registry.Get(typ); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return "", false
	}
	return typ, true
}

func (s *Server) listOptOuts(c *gin.Context) {
	types, err := s.deps.Store.OptOuts(c.Request.Context(), c.Param("userID"))
	if err != nil {
		s.internalError(c, "load notification settings", err)
		return
	}
	if types == nil {
		types = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"optOuts": types})
}

func (s *Server) optOut(c *gin.Context) {
	typ, ok := s.settingType(c)
	if !ok {
		return
	}
	if err := s.deps.Store.OptOut(c.Request.Context(), c.Param("userID"), typ); err != nil {
		s.internalError(c, "save notification setting", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) optIn(c *gin.Context) {
	typ, ok := s.settingType(c)
	if !ok {
		return
	}
	if err := s.deps.Store.OptIn(c.Request.Context(), c.Param("userID"), typ); err != nil {
		s.internalError(c, "save notification setting", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) toggleFavorite(c *gin.Context) {
	liked, err := s.deps.Store.ToggleFavorite(c.Request.Context(), c.Param("userID"), c.Param("modelID"))
	if err != nil {
		s.internalError(c, "toggle favorite", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"liked": liked})
}

func (s *Server) toggleEngagement(typ string) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, target := c.Param("userID"), c.Param("targetID")
		if user == target {
			c.JSON(http.StatusBadRequest, gin.H{"error": "cannot engage with yourself"})
			return
		}
		active, err := s.deps.Store.ToggleEngagement(c.Request.Context(), user, target, typ)
		if err != nil {
			s.internalError(c, "toggle "+strings.ToLower(typ), err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"type": typ, "active": active})
	}
}

type downloadRequest struct {
	UserID string `json:"userId"`
}

func (s *Server) recordDownload(c *gin.Context) {
	var req downloadRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	err := s.deps.Store.RecordDownload(c.Request.Context(), req.UserID, c.Param("versionID"))
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "model version not found"})
		return
	}
	if err != nil {
		s.internalError(c, "record download", err)
		return
	}
	c.Status(http.StatusNoContent)
}

type importRequest struct {
	Source string          `json:"source" binding:"required"`
	UserID string          `json:"userId" binding:"required"`
	Data   json.RawMessage `json:"data"`
}

func (s *Server) createImport(c *gin.Context) {
	var req importRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	job, err := s.deps.Store.CreateImportJob(c.Request.Context(), strings.TrimSpace(req.Source), req.UserID, req.Data)
	if err != nil {
		s.internalError(c, "create import", err)
		return
	}
	queued := s.deps.Imports != nil
	if queued {
		// A job that cannot be queued now stays Pending for the sweep.
		if err := s.deps.Imports.EnqueueImport(job.ID); err != nil {
			s.log.Warn("import not queued", logx.String("job", job.ID), logx.Err(err))
			queued = false
		}
	}
	c.JSON(http.StatusAccepted, gin.H{"job": toImportView(job), "queued": queued})
}

func (s *Server) getImport(c *gin.Context) {
	ctx := c.Request.Context()
	job, err := s.deps.Store.ImportJob(ctx, c.Param("id"))
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "import not found"})
		return
	}
	if err != nil {
		s.internalError(c, "load import", err)
		return
	}
	children, err := s.deps.Store.ChildJobs(ctx, job.ID)
	if err != nil {
		s.internalError(c, "load import children", err)
		return
	}
	views := make([]importView, 0, len(children))
	for _, ch := range children {
		views = append(views, toImportView(ch))
	}
	c.JSON(http.StatusOK, gin.H{"job": toImportView(job), "children": views})
}
