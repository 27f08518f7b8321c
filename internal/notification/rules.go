package notification

import (
	"strings"

	"modelhub/internal/storage"
)

// Notification type keys.
const (
	TypeDownloadMilestone = "model-download-milestone"
	TypeLikeMilestone     = "model-like-milestone"
	TypeNewVersion        = "new-model-version"
	TypeNewFromFollowing  = "new-model-from-following"
)

// DefaultRules is the built-in rule table in scan order.
func DefaultRules() []Rule {
	return []Rule{
		{
			Type:        TypeDownloadMilestone,
			DisplayName: "Model Download Milestones",
			Kind:        KindMilestone,
			Thresholds:  []int64{5, 10, 20, 50, 100, 500},
			query:       downloadMilestoneQuery,
			details: func(c Candidate) map[string]any {
				return map[string]any{
					"modelId":       c.ModelID,
					"modelName":     c.ModelName.String,
					"downloadCount": c.Milestone,
				}
			},
			message: func(d map[string]any) Message {
				return Message{
					Message: "Congrats! Your " + str(d, "modelName") + " model has received " + num(d, "downloadCount") + " downloads",
					URL:     modelURL(d),
				}
			},
		},
		{
			Type:        TypeLikeMilestone,
			DisplayName: "Model Like Milestones",
			Kind:        KindMilestone,
			Thresholds:  []int64{100, 500, 1000, 10000, 50000},
			query:       likeMilestoneQuery,
			details: func(c Candidate) map[string]any {
				return map[string]any{
					"modelId":       c.ModelID,
					"modelName":     c.ModelName.String,
					"favoriteCount": c.Milestone,
				}
			},
			message: func(d map[string]any) Message {
				return Message{
					Message: "Congrats! Your " + str(d, "modelName") + " model has received " + num(d, "favoriteCount") + " likes",
					URL:     modelURL(d),
				}
			},
		},
		{
			Type:        TypeNewVersion,
			DisplayName: "New Versions of Liked Models",
			Kind:        KindEvent,
			query:       newVersionQuery,
			details: func(c Candidate) map[string]any {
				return map[string]any{
					"modelId":     c.ModelID,
					"modelName":   c.ModelName.String,
					"versionId":   c.EntityID,
					"versionName": c.VersionName.String,
				}
			},
			message: func(d map[string]any) Message {
				return Message{
					Message: "The " + str(d, "modelName") + " model you liked has a new version: " + str(d, "versionName"),
					URL:     modelURL(d),
				}
			},
		},
		{
			Type:        TypeNewFromFollowing,
			DisplayName: "New Models from Followed Users",
			Kind:        KindEvent,
			query:       newFromFollowingQuery,
			details: func(c Candidate) map[string]any {
				return map[string]any{
					"modelId":   c.ModelID,
					"modelName": c.ModelName.String,
					"username":  c.Username.String,
					"modelType": c.ModelType.String,
				}
			},
			message: func(d map[string]any) Message {
				return Message{
					Message: str(d, "username") + " released a new " + strings.ToLower(splitUppercase(str(d, "modelType"))) + ": " + str(d, "modelName"),
					URL:     modelURL(d),
				}
			},
		},
	}
}

// thresholdTable renders a derived table with one "value" row per
// threshold, so the set stays parameterized.
func thresholdTable(thresholds []int64) (string, []any) {
	parts := make([]string, len(thresholds))
	args := make([]any, len(thresholds))
	for i, v := range thresholds {
		parts[i] = "SELECT CAST(? AS BIGINT) AS value"
		args[i] = v
	}
	return "(" + strings.Join(parts, " UNION ALL ") + ")", args
}

// milestoneQuery joins per-model running totals against the thresholds and
// keeps the highest threshold reached. totals must yield (model_id, total).
func milestoneQuery(totals string, totalArgs []any, thresholds []int64) (string, []any) {
	table, tableArgs := thresholdTable(thresholds)
	q := `SELECT m.user_id AS recipient_id, m.id AS entity_id, MAX(ms.value) AS milestone,
		m.id AS model_id, m.name AS model_name, CAST(NULL AS TEXT) AS version_name,
		CAST(NULL AS TEXT) AS username, m.type AS model_type
	FROM ` + totals + ` t
	JOIN model m ON m.id = t.model_id
	JOIN ` + table + ` ms ON ms.value <= t.total
	WHERE m.user_id IS NOT NULL AND m.user_id <> ''
	GROUP BY m.user_id, m.id, m.name, m.type`
	return q, append(totalArgs, tableArgs...)
}

func downloadMilestoneQuery(w Window, thresholds []int64) (string, []any) {
	totals := `(SELECT ua.model_id, COUNT(*) AS total
		FROM user_activity ua
		WHERE ua.activity = ? AND ua.created_at < ?
		  AND ua.model_id IN (
			SELECT a.model_id FROM user_activity a
			WHERE a.activity = ? AND a.created_at >= ? AND a.created_at < ?)
		GROUP BY ua.model_id)`
	since, until := w.Since.UnixMilli(), w.Until.UnixMilli()
	args := []any{storage.ActivityModelDownload, until, storage.ActivityModelDownload, since, until}
	return milestoneQuery(totals, args, thresholds)
}

func likeMilestoneQuery(w Window, thresholds []int64) (string, []any) {
	totals := `(SELECT f.model_id, COUNT(*) AS total
		FROM favorite_model f
		WHERE f.created_at < ?
		  AND f.model_id IN (
			SELECT a.model_id FROM favorite_model a
			WHERE a.created_at >= ? AND a.created_at < ?)
		GROUP BY f.model_id)`
	since, until := w.Since.UnixMilli(), w.Until.UnixMilli()
	return milestoneQuery(totals, []any{until, since, until}, thresholds)
}

// Recipients liked the model no later than the version was created.
func newVersionQuery(w Window, _ []int64) (string, []any) {
	q := `SELECT DISTINCT fm.user_id AS recipient_id, mv.id AS entity_id, 0 AS milestone,
		m.id AS model_id, m.name AS model_name, mv.name AS version_name,
		CAST(NULL AS TEXT) AS username, m.type AS model_type
	FROM model_version mv
	JOIN model m ON m.id = mv.model_id
	JOIN favorite_model fm ON fm.model_id = m.id AND fm.created_at <= mv.created_at
	WHERE mv.created_at >= ? AND mv.created_at < ?`
	return q, []any{w.Since.UnixMilli(), w.Until.UnixMilli()}
}

// Recipients followed the owner no later than the model was published.
func newFromFollowingQuery(w Window, _ []int64) (string, []any) {
	q := `SELECT DISTINCT ue.user_id AS recipient_id, m.id AS entity_id, 0 AS milestone,
		m.id AS model_id, m.name AS model_name, CAST(NULL AS TEXT) AS version_name,
		u.username AS username, m.type AS model_type
	FROM model m
	JOIN app_user u ON u.id = m.user_id
	JOIN user_engagement ue ON ue.target_user_id = m.user_id AND ue.type = ? AND ue.created_at <= m.published_at
	WHERE m.published_at IS NOT NULL AND m.published_at >= ? AND m.published_at < ?`
	return q, []any{storage.EngagementFollow, w.Since.UnixMilli(), w.Until.UnixMilli()}
}
