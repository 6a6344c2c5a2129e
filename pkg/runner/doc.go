// Package runner drives conversations: it takes user input, consults the
// active agent's guardrails, calls the model boundary, executes tools and
// handoffs, and commits the resulting history.
//
// Invariants:
//   - Turns of one conversation run one at a time on the lane
//     "conversation:<id>"; different conversations run in parallel.
//   - A turn works on a private copy of the conversation and commits it with
//     a single Store.Save only when the whole turn succeeded. Cancellation
//     or a boundary failure leaves the stored conversation untouched.
//   - Blocked input never reaches the model; it is recorded as a synthetic
//     message.
//   - Every tool message answers a tool call recorded before it.
//   - Tool and handoff cycles within one turn are bounded by MaxTurns; going
//     past the bound terminates the conversation.
//
// Usage:
//
//	r, _ := runner.New(runner.Config{Client: client, Catalog: catalog})
//	id, _ := r.Start(ctx, "")
//	reply, _ := r.Submit(ctx, id, "I need to fly to Paris.")
package runner
