// Package resolver maps caller identifiers to source object keys.
package resolver

import (
	"context"
	"errors"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/tendant/simple-ingest-pipeline/internal/records"
	"github.com/tendant/simple-ingest-pipeline/internal/statusstore"
	"github.com/tendant/simple-ingest-pipeline/pkg/pipeline"
)

// Kind says how an identifier should be interpreted
type Kind string

const (
	KindAuto     Kind = ""
	KindFilename Kind = "filename"
	KindID       Kind = "id"
)

// ParseKind validates an identifier_type value
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindAuto, KindFilename, KindID:
		return k, nil
	}
	return "", pipeline.Errorf(pipeline.KindValidation, "parse kind", "unknown identifier type %q", s)
}

// DetectKind guesses the kind of an identifier: a dot in the final path
// segment means a filename, anything else is treated as a record id.
func DetectKind(identifier string) Kind {
	if strings.Contains(path.Base(identifier), ".") {
		return KindFilename
	}
	return KindID
}

// RecordGetter is the status store lookup the resolver needs
type RecordGetter interface {
	Get(ctx context.Context, id string) (records.Record, error)
}

// Resolution is the outcome of resolving one identifier
type Resolution struct {
	SourceKey string
	Kind      Kind
	RecordID  string // set when the identifier named an existing record
}

// Resolver turns identifiers into source keys under a fixed source prefix
type Resolver struct {
	prefix string
	store  RecordGetter
}

// New creates a resolver for objects under prefix
func New(prefix string, store RecordGetter) *Resolver {
	return &Resolver{prefix: prefix, store: store}
}

// Prefix returns the canonical source prefix
func (r *Resolver) Prefix() string {
	return r.prefix
}

// Resolve maps identifier to a source key. It has no side effects.
func (r *Resolver) Resolve(ctx context.Context, identifier string, kind Kind) (Resolution, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return Resolution{}, pipeline.Errorf(pipeline.KindValidation, "resolve", "identifier is required")
	}

	if kind == KindAuto {
		kind = DetectKind(identifier)
	}

	switch kind {
	case KindFilename:
		key, err := r.SourceKey(identifier)
		if err != nil {
			return Resolution{}, err
		}
		return Resolution{SourceKey: key, Kind: KindFilename}, nil

	case KindID:
		if _, err := uuid.Parse(identifier); err != nil {
			return Resolution{}, pipeline.Errorf(pipeline.KindValidation, "resolve",
				"%q is neither a filename nor a record id", identifier)
		}
		rec, err := r.store.Get(ctx, identifier)
		if errors.Is(err, statusstore.ErrNotFound) {
			return Resolution{}, pipeline.Errorf(pipeline.KindNotFound, "resolve", "no record with id %s", identifier)
		}
		if err != nil {
			return Resolution{}, pipeline.E(pipeline.KindServiceUnavailable, "resolve", err)
		}
		return Resolution{SourceKey: rec.SourceKey, Kind: KindID, RecordID: rec.ID}, nil
	}

	return Resolution{}, pipeline.Errorf(pipeline.KindValidation, "resolve", "unknown identifier type %q", kind)
}

// SourceKey normalizes a filename to its canonical key. Any number of
// leading source prefixes is stripped and the prefix applied once.
func (r *Resolver) SourceKey(filename string) (string, error) {
	name := strings.TrimLeft(strings.TrimSpace(filename), "/")
	if r.prefix != "" {
		for strings.HasPrefix(name, r.prefix) {
			name = strings.TrimLeft(strings.TrimPrefix(name, r.prefix), "/")
		}
	}
	if name == "" {
		return "", pipeline.Errorf(pipeline.KindValidation, "resolve", "filename %q is empty after removing prefix", filename)
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == ".." {
			return "", pipeline.Errorf(pipeline.KindValidation, "resolve", "filename %q escapes the source prefix", filename)
		}
	}
	return r.prefix + name, nil
}

// Filename returns key with the source prefix removed
func (r *Resolver) Filename(key string) string {
	return strings.TrimPrefix(key, r.prefix)
}
