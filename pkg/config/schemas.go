package config

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages the CUE schemas documents are validated against.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a schema registry with the built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	sr.registerBuiltInSchemas()
	return sr
}

func (sr *SchemaRegistry) registerBuiltInSchemas() {
	sr.RegisterSchema("experiment", builtinExperimentSchema)
	sr.RegisterSchema("plan", builtinPlanSchema)
}

// RegisterSchema compiles source and stores its first top-level definition
// as the named schema. Definitions are closed, so registered schemas
// reject fields they do not declare.
func (sr *SchemaRegistry) RegisterSchema(name, source string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(source)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	iter, err := val.Fields(cue.Definitions(true))
	if err != nil {
		return fmt.Errorf("failed to scan schema %s: %w", name, err)
	}
	for iter.Next() {
		if strings.HasPrefix(iter.Selector().String(), "#") {
			sr.schemas[name] = iter.Value()
			return nil
		}
	}
	return fmt.Errorf("schema %s declares no definition", name)
}

// Context returns the registry's CUE context. Values validated through
// ValidateValue must be built from this context; CUE cannot unify values
// across contexts.
func (sr *SchemaRegistry) Context() *cue.Context {
	return sr.ctx
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ListSchemas returns the registered schema names, sorted.
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

// ValidateValue validates an already compiled CUE value against a named
// schema.
func (sr *SchemaRegistry) ValidateValue(ctx context.Context, schemaName string, val cue.Value) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	unified := schema.Unify(val)
	if err := unified.Err(); err != nil {
		return err
	}
	return unified.Validate(cue.Concrete(true))
}

// ValidateAgainstSchema validates Go data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}
	return sr.ValidateValue(ctx, schemaName, dataVal)
}

// ValidatePlanDocument validates a JSON plan document against the plan
// schema. JSON is a CUE subset, so the document compiles directly.
func (sr *SchemaRegistry) ValidatePlanDocument(ctx context.Context, data []byte, filename string) error {
	val := sr.ctx.CompileString(string(data), cue.Filename(filename))
	if err := val.Err(); err != nil {
		return fmt.Errorf("plan document is not valid JSON: %w", err)
	}
	return sr.ValidateValue(ctx, "plan", val)
}

// Built-in schema definitions

const builtinExperimentSchema = `
// Experiment configuration schema
#Experiment: {
	// Experiment names the run in history and telemetry
	experiment?: string & =~"^[a-zA-Z0-9_-]+$"

	// Task is the design brief handed to the architect
	task?: string & !=""

	// Backend selects the pattern library and interpreter
	backend?: string & =~"^[a-z0-9_-]+$"

	work_dir?:    string & !=""
	library_dir?: string & !=""

	// Mode is the compile mode
	mode?: "strict" | "tolerant"

	generator?: #Generator
	workflow?:  #Workflow
	selection?: #Selection
	policy?:    #Policy
	execution?: #Execution
	scoring?:   #Scoring
	store?:     #Store
	telemetry?: #Telemetry
}

#Duration: string & =~"^([0-9]+(\\.[0-9]+)?(ns|us|ms|s|m|h))+$"

#Generator: {
	base_url?:    string & !=""
	api_key?:     string
	model?:       string & !=""
	temperature?: number & >=0 & <=2
	max_tokens?:  int & >=0
	timeout?:     #Duration

	// Per-role overrides, keyed by role name
	roles?: {[string]: #Role}
}

#Role: {
	model?:         string & !=""
	temperature?:   number & >=0 & <=2
	max_tokens?:    int & >=0
	system_prompt?: string & !=""
}

#Workflow: {
	max_rounds?:      int & >=4
	max_free_rounds?: int & >=0
}

#Selection: {
	// K is the number of plan candidates sampled per attempt
	k?:            int & >=1 & <=16
	max_attempts?: int & >=1 & <=64
}

#Policy: {
	dir?:        string & !=""
	hot_reload?: bool
}

#Execution: {
	mode?:        "local" | "sandbox" | "remote"
	interpreter?: string & !=""
	args?: [...string]
	script_name?: string & !=""
	timeout?:     #Duration
	env?: {[string]: string}
	sandbox?: #Sandbox
	remote?:  #Remote
}

#Sandbox: {
	runtime?: "docker" | "podman"
	image?:   string & !=""
}

#Remote: {
	host?:                 string & !=""
	port?:                 int & >=1 & <=65535
	user?:                 string & !=""
	key_path?:             string & !=""
	known_hosts?:          string & !=""
	insecure_skip_verify?: bool
	agent_path?:           string & !=""
	remote_dir?:           string & !=""
}

#Scoring: {
	// Metric is the artifact CSV column holding the objective value
	metric?:   string & !=""
	artifact?: string & !=""

	// Bands map metric thresholds to rewards, highest first
	bands?: [...#Band]

	crash_reward?: number

	// Starlark reward hook, inline or from a file
	hook?:         string & !=""
	hook_path?:    string & !=""
	hook_timeout?: #Duration
}

#Band: {
	name:   string & !=""
	min:    number
	reward: number
}

#Store: {
	path?:      string & !=""
	disabled?:  bool
	retention?: #Duration
}

#Telemetry: {
	log_level?:     "trace" | "debug" | "info" | "warn" | "error" | "fatal"
	log_format?:    "console" | "json"
	metrics_addr?:  string & !=""
	tracing?:       bool
	otlp_endpoint?: string & !=""
}
`

const builtinPlanSchema = `
// Simulation plan document schema. The document is flat: backend and
// model_name are strings, each stage key maps to an item or a sequence of
// items, and any other scalar feeds preamble templating.
#Plan: {
	backend:     string & !=""
	model_name?: string & !=""

	structure?: #Items
	materials?: #Items
	physics?:   #Items
	setup?:     #Items
	analyze?:   #Items
	results?:   #Items

	// Extra scalar fields are preserved for templates
	[string]: string | number | bool | null | #Items
}

#Items: #Item | [...#Item]

#Item: {
	type: string & !=""
	params?: {[string]: string | number | bool | null}
}
`
