// Package core defines the shared data model and narrow service contracts of
// the Convoke orchestration engine: conversations with ordered histories and
// per-agent read cursors, free-form phases, transport intents, and the typed
// error taxonomy. It contains no business logic beyond invariant enforcement
// on the types themselves; stores, the phase controller, the delegation
// registry and the dispatcher build on top of it.
package core
