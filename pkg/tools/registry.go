package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/harun/switchboard/internal/observability"
	"github.com/harun/switchboard/internal/tracing"
	"github.com/harun/switchboard/pkg/message"
	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	// DefaultTimeout bounds a single tool execution
	DefaultTimeout = 30 * time.Second
	// DefaultMaxOutputBytes is the size above which tool output is truncated
	DefaultMaxOutputBytes = 10 * 1024
)

// Tool is the capability every executor implements
type Tool interface {
	Execute(ctx context.Context, args map[string]interface{}) (string, error)
}

// Func adapts a plain function to the Tool interface
type Func func(ctx context.Context, args map[string]interface{}) (string, error)

// Execute calls f
func (f Func) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	return f(ctx, args)
}

// Parameter defines a single argument of a tool
type Parameter struct {
	Name        string      `json:"name" yaml:"name"`
	Type        string      `json:"type" yaml:"type"`
	Description string      `json:"description" yaml:"description"`
	Required    bool        `json:"required" yaml:"required"`
	Enum        []string    `json:"enum,omitempty" yaml:"enum,omitempty"`
	Default     interface{} `json:"default,omitempty" yaml:"default,omitempty"`
}

// Spec is a tool's metadata and executor
type Spec struct {
	Name        string
	Description string
	Parameters  []Parameter
	Tool        Tool
	// Timeout overrides the execution timeout for this tool when set
	Timeout time.Duration
}

// Schema is the description of a tool sent to the model
type Schema struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Required returns the names of required parameters
func (s Schema) Required() []string {
	req, _ := s.Parameters["required"].([]string)
	return req
}

// Properties returns the JSON schema properties object
func (s Schema) Properties() map[string]interface{} {
	props, _ := s.Parameters["properties"].(map[string]interface{})
	return props
}

// Options tunes a single execution
type Options struct {
	Timeout        time.Duration
	MaxOutputBytes int
}

// Result is the outcome of one tool call
type Result struct {
	CallID    string
	Tool      string
	Output    string
	Err       *Error
	Truncated bool
	Duration  time.Duration
}

// Success reports whether the tool ran and produced output
func (r Result) Success() bool {
	return r.Err == nil
}

// Content is the text placed in the correlated tool message
func (r Result) Content() string {
	if r.Err != nil {
		return r.Err.Payload()
	}
	return r.Output
}

// Registry maps tool names to specs. It is immutable after construction.
type Registry struct {
	specs     map[string]Spec
	schemas   map[string]*gojsonschema.Schema
	described []Schema
	order     []string
}

// NewRegistry validates every spec and builds an immutable registry
func NewRegistry(specs ...Spec) (*Registry, error) {
	r := &Registry{
		specs:   make(map[string]Spec, len(specs)),
		schemas: make(map[string]*gojsonschema.Schema, len(specs)),
	}

	for _, spec := range specs {
		if err := validateSpec(spec); err != nil {
			return nil, fmt.Errorf("invalid tool definition: %w", err)
		}
		if _, exists := r.specs[spec.Name]; exists {
			return nil, fmt.Errorf("duplicate tool name: %s", spec.Name)
		}

		schemaMap := buildSchema(spec)
		schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMap))
		if err != nil {
			return nil, fmt.Errorf("failed to generate schema for %s: %w", spec.Name, err)
		}

		r.specs[spec.Name] = spec
		r.schemas[spec.Name] = schema
		r.order = append(r.order, spec.Name)
		r.described = append(r.described, Schema{
			Name:        spec.Name,
			Description: spec.Description,
			Parameters:  schemaMap,
		})
	}

	return r, nil
}

// With returns a new registry holding the receiver's specs followed by specs
func (r *Registry) With(specs ...Spec) (*Registry, error) {
	all := make([]Spec, 0, r.Len()+len(specs))
	if r != nil {
		for _, name := range r.order {
			all = append(all, r.specs[name])
		}
	}
	all = append(all, specs...)
	return NewRegistry(all...)
}

// Len returns the number of registered tools
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.order)
}

// Names returns tool names in registration order
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Describe returns the schema set sent to the model, in registration order
func (r *Registry) Describe() []Schema {
	if r == nil {
		return nil
	}
	out := make([]Schema, len(r.described))
	copy(out, r.described)
	return out
}

// Resolve returns the spec registered under name
func (r *Registry) Resolve(name string) (Spec, error) {
	if r != nil {
		if spec, ok := r.specs[name]; ok {
			return spec, nil
		}
	}
	return Spec{}, newError(ErrUnknownTool, name, "no tool named %q is available", name)
}

// Validate checks args against the tool's parameter schema
func (r *Registry) Validate(name string, args map[string]interface{}) error {
	if _, err := r.Resolve(name); err != nil {
		return err
	}
	if args == nil {
		args = map[string]interface{}{}
	}

	result, err := r.schemas[name].Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return newError(ErrInvalidArguments, name, "%v", err)
	}

	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		sort.Strings(problems)
		return newError(ErrInvalidArguments, name, "%s", strings.Join(problems, "; "))
	}

	return nil
}

// Execute resolves, validates and runs a tool call
func (r *Registry) Execute(ctx context.Context, call message.ToolCall, opts Options) Result {
	startTime := time.Now()
	result := Result{CallID: call.ID, Tool: call.Name}

	ctx, span := tracing.StartSpan(
		ctx,
		"switchboard.tools",
		"tools.execute",
		attribute.String("tool", call.Name),
		attribute.String("tool_call_id", call.ID),
	)
	defer span.End()

	finish := func(res Result) Result {
		res.Duration = time.Since(startTime)
		outcome := "success"
		if res.Err != nil {
			outcome = res.Err.Code()
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, res.Err.Error())
		}
		observability.RecordToolExecution(call.Name, res.Duration, outcome)
		return res
	}

	spec, err := r.Resolve(call.Name)
	if err != nil {
		log.Warn().Str("tool", call.Name).Msg("Tool not found")
		result.Err = err.(*Error)
		return finish(result)
	}

	if err := r.Validate(call.Name, call.Arguments); err != nil {
		log.Warn().Str("tool", call.Name).Err(err).Msg("Parameter validation failed")
		result.Err = err.(*Error)
		return finish(result)
	}

	timeout := DefaultTimeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	if spec.Timeout > 0 {
		timeout = spec.Timeout
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := call.Arguments
	if args == nil {
		args = map[string]interface{}{}
	}

	type outcome struct {
		output string
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("tool panicked: %v", p)}
			}
		}()
		output, err := spec.Tool.Execute(timeoutCtx, args)
		done <- outcome{output: output, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			if timeoutCtx.Err() != nil && ctx.Err() == nil {
				result.Err = newError(ErrExecution, call.Name, "timeout after %v", timeout)
			} else {
				result.Err = newError(ErrExecution, call.Name, "%v", out.err)
			}
			log.Error().Str("tool", call.Name).Err(out.err).Msg("Tool execution failed")
			return finish(result)
		}
		result.Output, result.Truncated = truncateOutput(out.output, opts.MaxOutputBytes)
		log.Debug().
			Str("tool", call.Name).
			Dur("duration", time.Since(startTime)).
			Bool("truncated", result.Truncated).
			Msg("Tool execution completed")
		return finish(result)

	case <-timeoutCtx.Done():
		if ctx.Err() != nil {
			result.Err = newError(ErrExecution, call.Name, "cancelled: %v", ctx.Err())
		} else {
			log.Error().Str("tool", call.Name).Dur("timeout", timeout).Msg("Tool execution timeout")
			result.Err = newError(ErrExecution, call.Name, "timeout after %v", timeout)
		}
		return finish(result)
	}
}

func validateSpec(spec Spec) error {
	if spec.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if spec.Description == "" {
		return fmt.Errorf("tool description cannot be empty for %s", spec.Name)
	}
	if spec.Tool == nil {
		return fmt.Errorf("tool executor cannot be nil for %s", spec.Name)
	}

	seen := make(map[string]bool, len(spec.Parameters))
	for _, param := range spec.Parameters {
		if param.Name == "" {
			return fmt.Errorf("parameter name cannot be empty for %s", spec.Name)
		}
		if seen[param.Name] {
			return fmt.Errorf("duplicate parameter %s for %s", param.Name, spec.Name)
		}
		seen[param.Name] = true

		switch param.Type {
		case "string", "number", "integer", "boolean", "object", "array":
		default:
			return fmt.Errorf("invalid parameter type %q for %s", param.Type, param.Name)
		}
	}

	return nil
}

func buildSchema(spec Spec) map[string]interface{} {
	properties := make(map[string]interface{}, len(spec.Parameters))
	required := []string{}

	for _, param := range spec.Parameters {
		prop := map[string]interface{}{
			"type": param.Type,
		}
		if param.Description != "" {
			prop["description"] = param.Description
		}
		if len(param.Enum) > 0 {
			enum := make([]interface{}, len(param.Enum))
			for i, v := range param.Enum {
				enum[i] = v
			}
			prop["enum"] = enum
		}
		if param.Default != nil {
			prop["default"] = param.Default
		}
		properties[param.Name] = prop

		if param.Required {
			required = append(required, param.Name)
		}
	}

	schema := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func truncateOutput(output string, maxBytes int) (string, bool) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxOutputBytes
	}
	if len(output) <= maxBytes {
		return output, false
	}

	log.Warn().
		Int("original", len(output)).
		Int("truncated", maxBytes).
		Msg("Output truncated")

	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(output[cut]) {
		cut--
	}
	return output[:cut] + "\n... [output truncated]", true
}

// FormatOutput renders an arbitrary value as tool output text
func FormatOutput(v interface{}) (string, error) {
	switch val := v.(type) {
	case string:
		return val, nil
	case nil:
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode tool output: %w", err)
	}
	return string(b), nil
}
