package config

import (
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// Schema names.
const (
	SchemaConfig = "config"
	SchemaCloud  = "cloud"
)

// SchemaRegistry manages CUE schemas for validation. Each schema is a CUE source
// defining the definition named after it, for example #config.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	// The built-in schemas are constants and always compile.
	_ = sr.RegisterSchema(SchemaConfig, builtinConfigSchema)
	_ = sr.RegisterSchema(SchemaCloud, builtinCloudSchema)

	return sr
}

// RegisterSchema compiles src and registers its #name definition.
func (sr *SchemaRegistry) RegisterSchema(name, src string) error {
	val := sr.ctx.CompileString(src, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	def := val.LookupPath(cue.ParsePath("#" + name))
	if !def.Exists() {
		return fmt.Errorf("schema %s does not define #%s", name, name)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
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

// Validate checks a decoded document (maps, slices and scalars) against a schema.
func (sr *SchemaRegistry) Validate(schemaName string, doc interface{}) error {
	dataVal := sr.ctx.Encode(doc)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}
	return sr.ValidateValue(schemaName, dataVal)
}

// ValidateValue checks a CUE value against a schema.
func (sr *SchemaRegistry) ValidateValue(schemaName string, val cue.Value) error {
	_, err := sr.unify(schemaName, val)
	return err
}

func (sr *SchemaRegistry) unify(schemaName string, val cue.Value) (cue.Value, error) {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", schemaName)
	}

	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return cue.Value{}, newSchemaError(err)
	}
	return unified, nil
}

// Context returns the CUE context schemas are compiled in. Values validated
// against the registry must come from this context.
func (sr *SchemaRegistry) Context() *cue.Context {
	return sr.ctx
}

// Built-in schema definitions

const builtinConfigSchema = `
#duration: string & =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"
#name:     string & =~"^[a-z0-9]([a-z0-9.-]*[a-z0-9])?$"
#address:  string & =~"^.*:[0-9]+$"

#credential: {
	user_id:    string & !=""
	user_name?: string
	token?:     string
	options?: {[string]: string}
}

#peer: {
	id:          #name
	url:         string & =~"^https?://"
	secret:      string & !=""
	secret_hash: string & =~"^\\$2[aby]\\$"
	timeout?:    #duration
}

#config: {
	provider: {
		id: #name
	}

	api?: {
		listen_address?:   #address
		read_timeout?:     #duration
		write_timeout?:    #duration
		shutdown_timeout?: #duration
	}

	peer?: {
		listen_address?: #address
		peers?: [...#peer]
	}

	clouds?: {
		directory?: string & !=""
		credentials?: {[#name]: {
			default?: #credential
			users?: {[string]: #credential}
		}}
	}

	store?: {
		driver?:            "sqlite" | "postgres"
		path?:              string
		dsn?:               string
		max_open_conns?:    int & >=0
		max_idle_conns?:    int & >=0
		conn_max_lifetime?: #duration
	}

	processors?: {
		open?:                   #duration
		spawning?:               #duration
		fulfilled?:              #duration
		unable_to_check_status?: #duration
		assigned_for_deletion?:  #duration
		checking_deletion?:      #duration
		closed?:                 #duration
		remote_sync?:            #duration
		workers?:                int & >=1 & <=64
		max_restarts?:           int & >=0
	}

	policy?: {
		enabled?: bool
		paths?: [...string]
		watch?: bool
		disabled?: [...string]
		data?: {...}
	}

	telemetry?: {
		environment?: string
		logging?: {
			level?:  "trace" | "debug" | "info" | "warn" | "error" | "fatal"
			format?: "console" | "json"
			...
		}
		tracing?: {
			exporter?:      "otlp" | "stdout" | "none"
			sampling_rate?: number & >=0 & <=1
			...
		}
		...
	}
}
`

const builtinCloudSchema = `
#cloud: {
	name:     string & =~"^[a-z0-9]([a-z0-9-]*[a-z0-9])?$"
	kind:     string & !=""
	default?: bool
	options?: {[string]: string}
}
`
