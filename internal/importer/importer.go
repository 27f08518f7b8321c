// Package importer runs import jobs through pluggable source importers and
// fans discovered dependencies out as child jobs.
package importer

import (
	"context"
	"encoding/json"
	"time"

	"modelhub/internal/storage"
)

// RunInput is what an importer sees of its job.
type RunInput struct {
	JobID  string
	Source string
	UserID string
	// Data is the job's seed data, if any.
	Data json.RawMessage
}

// Dependency is a source discovered while importing, queued as a child job.
type Dependency struct {
	Source string
	Data   any
}

// Result of a successful run. An empty Status means Completed.
type Result struct {
	Status       storage.ImportStatus
	Data         any
	Dependencies []Dependency
}

// Deferrable is implemented by run errors that ask for a later retry, such
// as an upstream rate limit. A deferred job goes back to Pending instead
// of Failed.
type Deferrable interface {
	error
	RetryAfter() time.Duration
}

// Importer handles one family of sources.
type Importer interface {
	Name() string
	CanHandle(source string) bool
	Run(ctx context.Context, in RunInput) (Result, error)
}

// Dispatcher picks the first registered importer that accepts a source.
type Dispatcher struct {
	importers []Importer
}

func NewDispatcher(importers ...Importer) *Dispatcher {
	return &Dispatcher{importers: importers}
}

func (d *Dispatcher) Dispatch(source string) (Importer, bool) {
	for _, imp := range d.importers {
		if imp.CanHandle(source) {
			return imp, true
		}
	}
	return nil, false
}

func (d *Dispatcher) Names() []string {
	out := make([]string, len(d.importers))
	for i, imp := range d.importers {
		out[i] = imp.Name()
	}
	return out
}
