// Package conversation holds per-conversation state and where it lives.
//
// Invariants:
//   - A State is only mutated by the runner, on a private clone; stores
//     copy on every read and write so a committed state is never shared.
//   - Active is always an agent of the pinned Catalog.
//   - TurnCount never decreases.
//
// Live conversations sit in a Store. Ended or idle conversations are moved
// to an Archive, which keeps their history readable.
package conversation
