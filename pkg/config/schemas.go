package config

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages CUE schemas for validation. Each schema source
// defines a top-level definition named after the schema, e.g. #Config.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// Schema names.
const (
	SchemaConfig  = "Config"
	SchemaChannel = "Channel"
)

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	if err := sr.RegisterSchema(SchemaConfig, builtinSchemas); err != nil {
		panic(err)
	}
	if err := sr.RegisterSchema(SchemaChannel, builtinSchemas); err != nil {
		panic(err)
	}

	return sr
}

// RegisterSchema compiles source and registers its #name definition.
func (sr *SchemaRegistry) RegisterSchema(name, source string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(source)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	def := val.LookupPath(cue.ParsePath("#" + name))
	if !def.Exists() {
		return fmt.Errorf("schema %s does not define #%s", name, name)
	}

	sr.schemas[name] = def
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ValidateAgainstSchema validates data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	sr.mu.Lock()
	dataVal := sr.ctx.CompileBytes(raw)
	sr.mu.Unlock()
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	return validateValue(schema, dataVal)
}

// ValidateValue validates a CUE value against a named schema.
func (sr *SchemaRegistry) ValidateValue(schemaName string, val cue.Value) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}
	return validateValue(schema, val)
}

func validateValue(schema, val cue.Value) error {
	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// Context returns the CUE context schemas were compiled in. Values validated
// against the registry must come from this context.
func (sr *SchemaRegistry) Context() *cue.Context {
	return sr.ctx
}

// ListSchemas returns all registered schema names.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Built-in schema definitions

const builtinSchemas = `
#Channel: {
	name: string & =~"^[a-z0-9]([a-z0-9.-]*[a-z0-9])?$"
	type: "yaml-index" | "file" | "installed"
	if type != "installed" {
		url: string & !=""
	}
	url?:      string
	priority?: int
	disabled?: bool
}

#Config: {
	data_dir?:     string
	cache_dir?:    string
	root?:         string
	architecture?: string

	lock?: {
		force?:    bool
		sentinel?: bool
	}

	fetch?: {
		concurrency?: int & >=1 & <=64
		timeout?:     string
		sftp?: {
			user?:                     string
			key_file?:                 string
			known_hosts?:              string
			insecure_ignore_host_key?: bool
		}
	}

	backends?: {
		priority?: [...("archive" | "deb" | "rpm")]
		native?: {
			enabled?:  bool
			use_sudo?: bool
		}
	}

	channels?: [...#Channel]

	guard?: {
		rules_dir?:       string
		protected?:       [...string]
		allow_downgrade?: bool
		max_removals?:    int & >=0
	}

	ranking?: {
		script?:  string
		timeout?: string
	}

	telemetry?: {...}
}
`
