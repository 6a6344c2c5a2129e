// Package llm defines the boundary between the runner and a language model.
//
// A Client turns a Request (instructions, model-visible history, tool
// schemas) into a Response carrying either text or tool calls. Provider
// adapters live in the openai and anthropic subpackages; llmtest holds a
// scripted client for tests.
//
// Every adapter reports failures as *BoundaryError so callers can tell
// retryable transport problems from fatal ones with errors.Is against
// ErrRetryable and ErrFatal. Retrying and rate limiting are decorators
// (WithRetry, WithRateLimit) applied around a Client.
package llm
