// Package agent describes the agents a conversation can be handed between.
//
// An Agent is immutable once built by New and is shared read-only across
// conversations. A Catalog is the validated set of agents a conversation
// pins at creation: names are unique and every handoff route points at an
// agent in the same catalog.
//
// Catalogs are usually loaded from a YAML or JSON file with LoadCatalog and
// can be hot-reloaded with a Watcher; reloads only affect conversations
// started afterwards.
package agent
