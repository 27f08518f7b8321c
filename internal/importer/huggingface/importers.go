package huggingface

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"

	"modelhub/internal/importer"
	"modelhub/internal/storage"
	"modelhub/pkg/logx"
)

// Catalog receives imported records. *storage.Store implements it.
type Catalog interface {
	UpsertImportedUser(ctx context.Context, u storage.User, suffix string) (string, error)
	UpsertModel(ctx context.Context, m storage.Model) error
	UpsertModelVersion(ctx context.Context, v storage.ModelVersion) error
}

// usernameSuffix marks a Hub account whose name is taken by a local one.
const usernameSuffix = "@hf"

// seed is the data a parent job hands to its hf:model children.
type seed struct {
	Author string `json:"author,omitempty"`
}

func readSeed(raw json.RawMessage) seed {
	var s seed
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &s)
	}
	return s
}

// ModelImporter imports one Hub repository as a model with its current
// revision as a version. Unless the job was spawned by its author's
// import, the author is queued as a dependency.
type ModelImporter struct {
	client  *Client
	catalog Catalog
	log     logx.Logger
}

func NewModelImporter(c *Client, catalog Catalog, log logx.Logger) *ModelImporter {
	return &ModelImporter{client: c, catalog: catalog, log: log}
}

func (m *ModelImporter) Name() string { return "huggingface.model" }

func (m *ModelImporter) CanHandle(source string) bool {
	kind, _, ok := ParseSource(source)
	return ok && kind == KindModel
}

func (m *ModelImporter) Run(ctx context.Context, in importer.RunInput) (importer.Result, error) {
	_, id, _ := ParseSource(in.Source)
	info, err := m.client.Model(ctx, id)
	if err != nil {
		return importer.Result{}, fmt.Errorf("fetching model %s: %w", id, err)
	}
	author := info.Owner()

	modelID, err := m.save(ctx, info)
	if err != nil {
		return importer.Result{}, err
	}

	res := importer.Result{
		Data: map[string]any{
			"hfId":      info.Name(),
			"modelId":   modelID,
			"author":    author,
			"downloads": info.Downloads,
			"likes":     info.Likes,
		},
	}
	if author != "" && readSeed(in.Data).Author == "" {
		res.Dependencies = append(res.Dependencies, importer.Dependency{Source: AuthorSource(author)})
	}
	return res, nil
}

func (m *ModelImporter) save(ctx context.Context, info ModelInfo) (string, error) {
	modelID := ModelID(info.Name())
	if m.catalog == nil {
		return modelID, nil
	}
	author := info.Owner()
	if author == "" {
		return modelID, fmt.Errorf("model %s has no author", info.Name())
	}
	userID := storage.StableID("hf:user", author)
	if _, err := m.catalog.UpsertImportedUser(ctx, storage.User{ID: userID, Username: author}, usernameSuffix); err != nil {
		return modelID, err
	}

	published := firstNonZero(info.CreatedAt, info.LastModified, time.Now())
	err := m.catalog.UpsertModel(ctx, storage.Model{
		ID:          modelID,
		UserID:      userID,
		Name:        info.Name(),
		Type:        modelType(info.PipelineTag),
		PublishedAt: sql.NullInt64{Int64: published.UnixMilli(), Valid: true},
		CreatedAt:   published.UnixMilli(),
	})
	if err != nil {
		return modelID, err
	}

	if info.SHA == "" {
		return modelID, nil
	}
	rev := info.SHA
	if len(rev) > 7 {
		rev = rev[:7]
	}
	return modelID, m.catalog.UpsertModelVersion(ctx, storage.ModelVersion{
		ID:        storage.StableID("hf:version", info.Name()+"@"+info.SHA),
		ModelID:   modelID,
		Name:      rev,
		CreatedAt: firstNonZero(info.LastModified, published).UnixMilli(),
	})
}

// ModelID is the catalog id of an imported repository.
func ModelID(repo string) string { return storage.StableID("hf:model", repo) }

// AuthorImporter queues every repository of an author as a model import.
type AuthorImporter struct {
	client  *Client
	catalog Catalog
	limit   int
	log     logx.Logger
}

func NewAuthorImporter(c *Client, catalog Catalog, limit int, log logx.Logger) *AuthorImporter {
	if limit <= 0 {
		limit = 100
	}
	return &AuthorImporter{client: c, catalog: catalog, limit: limit, log: log}
}

func (a *AuthorImporter) Name() string { return "huggingface.author" }

func (a *AuthorImporter) CanHandle(source string) bool {
	kind, _, ok := ParseSource(source)
	return ok && kind == KindAuthor
}

func (a *AuthorImporter) Run(ctx context.Context, in importer.RunInput) (importer.Result, error) {
	_, author, _ := ParseSource(in.Source)
	models, err := a.client.AuthorModels(ctx, author, a.limit)
	if err != nil {
		return importer.Result{}, fmt.Errorf("listing models of %s: %w", author, err)
	}
	if a.catalog != nil {
		u := storage.User{ID: storage.StableID("hf:user", author), Username: author}
		if _, err := a.catalog.UpsertImportedUser(ctx, u, usernameSuffix); err != nil {
			return importer.Result{}, err
		}
	}

	res := importer.Result{Data: map[string]any{"author": author, "models": len(models)}}
	for _, m := range models {
		if m.Private || m.Name() == "" {
			continue
		}
		res.Dependencies = append(res.Dependencies, importer.Dependency{
			Source: ModelSource(m.Name()),
			Data:   seed{Author: author},
		})
	}
	return res, nil
}

// modelType turns a pipeline tag such as "text-to-image" into "TextToImage".
func modelType(tag string) string {
	if tag == "" {
		return "Model"
	}
	var b strings.Builder
	for _, part := range strings.FieldsFunc(tag, func(r rune) bool { return r == '-' || r == '_' || r == ' ' }) {
		rs := []rune(part)
		rs[0] = unicode.ToUpper(rs[0])
		b.WriteString(string(rs))
	}
	return b.String()
}

func firstNonZero(ts ...time.Time) time.Time {
	for _, t := range ts {
		if !t.IsZero() {
			return t
		}
	}
	return time.Time{}
}
