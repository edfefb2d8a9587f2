// Package worker consumes job messages with bounded concurrency and resolves
// every delivery to exactly one of acknowledge, dead-letter, or
// already-handled.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/relayq/relayq/internal/model"
	"github.com/relayq/relayq/internal/mq"
)

// Handler executes one job attempt. Implementations must tolerate being run
// again for the same job and must observe ctx to support cancellation and
// timeouts.
type Handler interface {
	Run(ctx context.Context, job *model.JobMessage) (any, error)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, job *model.JobMessage) (any, error)

func (f HandlerFunc) Run(ctx context.Context, job *model.JobMessage) (any, error) {
	return f(ctx, job)
}

// Definition describes one job type a worker can execute.
type Definition struct {
	JobType string
	Handler Handler
	// RoutingPattern optionally overrides the synthesized binding pattern.
	RoutingPattern string
	// MaxRetries of zero falls back to the worker default.
	MaxRetries int
	// DataPrototype is an example of the job-data payload. Its type drives
	// the schema advertised during registration.
	DataPrototype any
}

// Registry holds the job types a worker instance declares and executes.
type Registry struct {
	mu          sync.RWMutex
	definitions map[string]Definition
}

func NewRegistry() *Registry {
	return &Registry{
		definitions: make(map[string]Definition),
	}
}

// Register adds a job type. Registering the same normalized type twice is an
// error rather than a replacement.
func (r *Registry) Register(def Definition) error {
	if strings.TrimSpace(def.JobType) == "" {
		return fmt.Errorf("job type is required")
	}
	if def.Handler == nil {
		return fmt.Errorf("handler is required for job type %s", def.JobType)
	}

	key := mq.NormalizeToken(def.JobType)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.definitions[key]; exists {
		return fmt.Errorf("job type %s is already registered", def.JobType)
	}
	r.definitions[key] = def

	return nil
}

// Lookup resolves a job type to its definition.
func (r *Registry) Lookup(jobType string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.definitions[mq.NormalizeToken(jobType)]
	return def, ok
}

// JobTypes lists the registered job types, sorted for stable registration
// payloads.
func (r *Registry) JobTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.definitions))
	for _, def := range r.definitions {
		types = append(types, def.JobType)
	}
	sort.Strings(types)

	return types
}

// RoutingPatterns maps each job type to the pattern producers should publish
// under and the worker queue binds to.
func (r *Registry) RoutingPatterns(workerID string) map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	patterns := make(map[string]string, len(r.definitions))
	for _, def := range r.definitions {
		patterns[def.JobType] = mq.RoutingKeyFor(def.JobType, def.RoutingPattern, workerID)
	}

	return patterns
}

// BindPatterns lists the distinct queue binding patterns across all
// registered job types.
func (r *Registry) BindPatterns(workerID string) []string {
	seen := map[string]struct{}{}
	var patterns []string
	for _, pattern := range r.RoutingPatterns(workerID) {
		if _, dup := seen[pattern]; dup {
			continue
		}
		seen[pattern] = struct{}{}
		patterns = append(patterns, pattern)
	}
	sort.Strings(patterns)

	return patterns
}

// DataDefinitions maps each job type to the JSON schema inferred from its
// data prototype, advertised so the scheduler can validate payloads up front.
func (r *Registry) DataDefinitions() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make(map[string]string, len(r.definitions))
	for _, def := range r.definitions {
		defs[def.JobType] = inferSchema(def.DataPrototype)
	}

	return defs
}

var timeType = reflect.TypeOf(time.Time{})

// inferSchema derives a JSON schema string from a prototype value's type.
func inferSchema(prototype any) string {
	schema := map[string]any{"type": "object"}
	if prototype != nil {
		schema = schemaFor(reflect.TypeOf(prototype), map[reflect.Type]bool{})
	}

	encoded, err := json.Marshal(schema)
	if err != nil {
		return `{"type":"object"}`
	}

	return string(encoded)
}

// schemaFor walks a type. visited holds the struct types currently on the
// walk, so self-referential payloads terminate.
func schemaFor(t reflect.Type, visited map[reflect.Type]bool) map[string]any {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	switch t.Kind() {
	case reflect.String:
		return map[string]any{"type": "string"}
	case reflect.Bool:
		return map[string]any{"type": "boolean"}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return map[string]any{"type": "integer"}
	case reflect.Float32, reflect.Float64:
		return map[string]any{"type": "number"}
	case reflect.Slice, reflect.Array:
		if t.Elem().Kind() == reflect.Uint8 {
			return map[string]any{"type": "string"}
		}
		return map[string]any{"type": "array", "items": schemaFor(t.Elem(), visited)}
	case reflect.Map, reflect.Interface:
		return map[string]any{"type": "object"}
	case reflect.Struct:
		if t == timeType {
			return map[string]any{"type": "string", "format": "date-time"}
		}
		// A struct already on the walk collapses to a bare object.
		if visited[t] {
			return map[string]any{"type": "object"}
		}
		visited[t] = true
		schema := structSchema(t, visited)
		delete(visited, t)
		return schema
	default:
		return map[string]any{"type": "object"}
	}
}

func structSchema(t reflect.Type, visited map[reflect.Type]bool) map[string]any {
	properties := map[string]any{}
	var required []string

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}

		name := field.Name
		optional := field.Type.Kind() == reflect.Pointer

		if tag, ok := field.Tag.Lookup("json"); ok {
			parts := strings.Split(tag, ",")
			if parts[0] == "-" {
				continue
			}
			if parts[0] != "" {
				name = parts[0]
			}
			for _, opt := range parts[1:] {
				if opt == "omitempty" {
					optional = true
				}
			}
		}

		properties[name] = schemaFor(field.Type, visited)
		if !optional {
			required = append(required, name)
		}
	}

	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		sort.Strings(required)
		schema["required"] = required
	}

	return schema
}
