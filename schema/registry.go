// Package schema provides the event schema registry: a compiled index of the
// envelope schema and one payload schema per event type. Schemas ship
// embedded in the binary; an on-disk directory can override them, in which
// case the registry can watch the directory and hot-reload on change.
package schema

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/csdp/fsmcore/domain"
)

//go:embed schemas
var embeddedSchemas embed.FS

const envelopeSchemaFile = "event-envelope.schema.json"

// ErrUnknownEventType is returned when no payload schema exists for an
// event type.
var ErrUnknownEventType = errors.New("unknown event type")

// payloadSchemaFiles maps each event type to its payload schema file,
// relative to the schemas root. Several free-text events share one schema.
var payloadSchemaFiles = map[string]string{
	domain.EventWorkOrderCreated:   "events/work_order.created.schema.json",
	domain.EventWorkOrderAssigned:  "events/work_order.assigned.schema.json",
	domain.EventWorkOrderCancelled: "events/work_order.cancelled.schema.json",
	domain.EventWorkOrderClosed:    "events/note.schema.json",

	domain.EventWorkStarted:       "events/work.started.schema.json",
	domain.EventWorkPaused:        "events/work.paused.schema.json",
	domain.EventWorkResumed:       "events/note.schema.json",
	domain.EventWorkCompleted:     "events/work.completed.schema.json",
	domain.EventWorkDispatched:    "events/note.schema.json",
	domain.EventWorkArrivedOnSite: "events/note.schema.json",

	domain.EventSLAAtRisk:         "events/note.schema.json",
	domain.EventSLARecovered:      "events/note.schema.json",
	domain.EventSLABreached:       "events/note.schema.json",
	domain.EventSLABreachAccepted: "events/note.schema.json",

	domain.EventPartReserved:  "events/part.schema.json",
	domain.EventPartInstalled: "events/part.schema.json",
	domain.EventPartConsumed:  "events/part.schema.json",

	domain.EventEvidencePhotoAdded:        "events/evidence.photo.schema.json",
	domain.EventEvidenceDocumentAdded:     "events/evidence.document.schema.json",
	domain.EventEvidenceSignatureCaptured: "events/evidence.signature.schema.json",
}

// Registry validates envelopes and payloads against compiled JSON schemas.
// Safe for concurrent use; Reload swaps the compiled set atomically.
type Registry struct {
	mu       sync.RWMutex
	envelope *jsonschema.Schema
	payloads map[string]*jsonschema.Schema

	dir    string
	logger *slog.Logger
}

// NewRegistry compiles the embedded schemas.
func NewRegistry(logger *slog.Logger) (*Registry, error) {
	return newRegistry("", logger)
}

// NewRegistryFromDir compiles schemas from dir, falling back to the embedded
// copy for any file the directory does not provide. Files are discovered
// with a **/*.schema.json glob so operators may nest overrides freely.
func NewRegistryFromDir(dir string, logger *slog.Logger) (*Registry, error) {
	return newRegistry(dir, logger)
}

func newRegistry(dir string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{dir: dir, logger: logger}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload recompiles all schemas. On failure the previous compiled set stays
// in place and the error is returned.
func (r *Registry) Reload() error {
	sources, err := r.collectSources()
	if err != nil {
		return err
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	for name, data := range sources {
		if err := compiler.AddResource(name, bytes.NewReader(data)); err != nil {
			return fmt.Errorf("add schema resource %s: %w", name, err)
		}
	}

	envelope, err := compiler.Compile(envelopeSchemaFile)
	if err != nil {
		return fmt.Errorf("compile envelope schema: %w", err)
	}
	payloads := make(map[string]*jsonschema.Schema, len(payloadSchemaFiles))
	for eventType, file := range payloadSchemaFiles {
		sch, err := compiler.Compile(file)
		if err != nil {
			return fmt.Errorf("compile payload schema for %s: %w", eventType, err)
		}
		payloads[eventType] = sch
	}

	r.mu.Lock()
	r.envelope = envelope
	r.payloads = payloads
	r.mu.Unlock()
	return nil
}

// collectSources gathers schema bytes by relative name: embedded first,
// then any on-disk overrides.
func (r *Registry) collectSources() (map[string][]byte, error) {
	sources := map[string][]byte{}
	err := fs.WalkDir(embeddedSchemas, "schemas", func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := embeddedSchemas.ReadFile(path)
		if err != nil {
			return err
		}
		sources[strings.TrimPrefix(path, "schemas/")] = data
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read embedded schemas: %w", err)
	}

	if r.dir != "" {
		matches, err := doublestar.Glob(os.DirFS(r.dir), "**/*.schema.json")
		if err != nil {
			return nil, fmt.Errorf("glob schema dir %s: %w", r.dir, err)
		}
		for _, rel := range matches {
			data, err := os.ReadFile(filepath.Join(r.dir, rel))
			if err != nil {
				return nil, fmt.Errorf("read schema override %s: %w", rel, err)
			}
			sources[filepath.ToSlash(rel)] = data
		}
	}
	return sources, nil
}

// ValidateEnvelope checks the envelope document against the root schema and
// returns an ordered list of violations, empty when valid.
func (r *Registry) ValidateEnvelope(doc map[string]any) []string {
	r.mu.RLock()
	sch := r.envelope
	r.mu.RUnlock()
	return violations(sch.Validate(normalize(doc)))
}

// ValidatePayload checks the payload document against the schema registered
// for eventType. Unknown event types return ErrUnknownEventType.
func (r *Registry) ValidatePayload(eventType string, doc map[string]any) ([]string, error) {
	r.mu.RLock()
	sch, ok := r.payloads[eventType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, eventType)
	}
	return violations(sch.Validate(normalize(doc))), nil
}

// KnownEventTypes lists every event type with a registered payload schema.
func (r *Registry) KnownEventTypes() []string {
	types := make([]string, 0, len(payloadSchemaFiles))
	for eventType := range payloadSchemaFiles {
		types = append(types, eventType)
	}
	sort.Strings(types)
	return types
}

// normalize makes a document acceptable to the schema validator, which
// expects the generic form produced by encoding/json.
func normalize(doc map[string]any) any {
	if doc == nil {
		return map[string]any{}
	}
	return anyValue(doc)
}

func anyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = anyValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = anyValue(val)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	case int:
		return float64(t)
	case int64:
		return float64(t)
	default:
		return v
	}
}

// violations flattens a validation error into ordered human-readable
// messages, one per failing instance location.
func violations(err error) []string {
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []string{err.Error()}
	}
	basic := ve.BasicOutput()
	msgs := make([]string, 0, len(basic.Errors))
	for _, e := range basic.Errors {
		if e.Error == "" || strings.HasPrefix(e.Error, "doesn't validate with") {
			continue
		}
		loc := e.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		msgs = append(msgs, loc+": "+e.Error)
	}
	if len(msgs) == 0 {
		msgs = append(msgs, ve.Error())
	}
	sort.Strings(msgs)
	return msgs
}
