// Package guardrail runs ordered safety checks over agent input and output.
//
// Input rules return a Verdict and short-circuit on the first violation.
// Output rules rewrite text and always run to completion; they never fail.
package guardrail

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

// ErrViolation is the sentinel for blocked input
var ErrViolation = errors.New("guardrail violation")

// Verdict is the typed outcome of an input check
type Verdict struct {
	Allowed bool
	Rule    string
	Reason  string
}

// Allow returns a passing verdict
func Allow() Verdict {
	return Verdict{Allowed: true}
}

// Violation returns a blocking verdict
func Violation(rule, reason string) Verdict {
	return Verdict{Rule: rule, Reason: reason}
}

// Err converts a blocking verdict into an error wrapping ErrViolation
func (v Verdict) Err() error {
	if v.Allowed {
		return nil
	}
	return &ViolationError{Rule: v.Rule, Reason: v.Reason}
}

// ViolationError carries the rule and reason of a blocked input
type ViolationError struct {
	Rule   string
	Reason string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("%v: %s: %s", ErrViolation, e.Rule, e.Reason)
}

func (e *ViolationError) Unwrap() error {
	return ErrViolation
}

// InputRule is a predicate over user input
type InputRule interface {
	Name() string
	CheckInput(ctx context.Context, text string) Verdict
}

// OutputRule rewrites model output
type OutputRule interface {
	Name() string
	CheckOutput(ctx context.Context, text string) string
}

type inputFunc struct {
	name string
	fn   func(ctx context.Context, text string) Verdict
}

func (f inputFunc) Name() string { return f.name }

func (f inputFunc) CheckInput(ctx context.Context, text string) Verdict { return f.fn(ctx, text) }

// InputFunc adapts a function to an InputRule
func InputFunc(name string, fn func(ctx context.Context, text string) Verdict) InputRule {
	return inputFunc{name: name, fn: fn}
}

type outputFunc struct {
	name string
	fn   func(ctx context.Context, text string) string
}

func (f outputFunc) Name() string { return f.name }

func (f outputFunc) CheckOutput(ctx context.Context, text string) string { return f.fn(ctx, text) }

// OutputFunc adapts a function to an OutputRule
func OutputFunc(name string, fn func(ctx context.Context, text string) string) OutputRule {
	return outputFunc{name: name, fn: fn}
}

// Pipeline holds the ordered input and output rules of one agent.
// A nil Pipeline allows everything and rewrites nothing.
type Pipeline struct {
	input  []InputRule
	output []OutputRule
}

// NewPipeline copies the given rule lists into an immutable pipeline
func NewPipeline(input []InputRule, output []OutputRule) *Pipeline {
	p := &Pipeline{
		input:  make([]InputRule, len(input)),
		output: make([]OutputRule, len(output)),
	}
	copy(p.input, input)
	copy(p.output, output)
	return p
}

// WithInput returns a pipeline that runs rules before the receiver's input rules
func (p *Pipeline) WithInput(rules ...InputRule) *Pipeline {
	if p == nil {
		return NewPipeline(rules, nil)
	}
	return NewPipeline(append(append([]InputRule{}, rules...), p.input...), p.output)
}

// WithOutput returns a pipeline that runs rules after the receiver's output rules
func (p *Pipeline) WithOutput(rules ...OutputRule) *Pipeline {
	if p == nil {
		return NewPipeline(nil, rules)
	}
	return NewPipeline(p.input, append(append([]OutputRule{}, p.output...), rules...))
}

// CheckInput runs input rules in order and stops at the first violation.
// A rule that panics blocks the input.
func (p *Pipeline) CheckInput(ctx context.Context, text string) Verdict {
	if p == nil {
		return Allow()
	}

	for _, rule := range p.input {
		verdict := checkInputSafely(ctx, rule, text)
		if !verdict.Allowed {
			if verdict.Rule == "" {
				verdict.Rule = rule.Name()
			}
			log.Debug().
				Str("rule", verdict.Rule).
				Str("reason", verdict.Reason).
				Msg("Input blocked by guardrail")
			return verdict
		}
	}

	return Allow()
}

// CheckOutput runs every output rule in order, each seeing the previous
// rule's result. A rule that panics is skipped.
func (p *Pipeline) CheckOutput(ctx context.Context, text string) string {
	if p == nil {
		return text
	}

	for _, rule := range p.output {
		text = checkOutputSafely(ctx, rule, text)
	}
	return text
}

// InputRules returns input rule names in evaluation order
func (p *Pipeline) InputRules() []string {
	if p == nil {
		return nil
	}
	names := make([]string, len(p.input))
	for i, r := range p.input {
		names[i] = r.Name()
	}
	return names
}

// OutputRules returns output rule names in evaluation order
func (p *Pipeline) OutputRules() []string {
	if p == nil {
		return nil
	}
	names := make([]string, len(p.output))
	for i, r := range p.output {
		names[i] = r.Name()
	}
	return names
}

func checkInputSafely(ctx context.Context, rule InputRule, text string) (verdict Verdict) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("rule", rule.Name()).Interface("panic", r).Msg("Input guardrail panicked")
			verdict = Violation(rule.Name(), "guardrail failed")
		}
	}()
	return rule.CheckInput(ctx, text)
}

func checkOutputSafely(ctx context.Context, rule OutputRule, text string) (out string) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("rule", rule.Name()).Interface("panic", r).Msg("Output guardrail panicked")
			out = text
		}
	}()
	return rule.CheckOutput(ctx, text)
}
