// Package logging provides a tiny abstraction over structured loggers so
// downstream code can depend on a minimal interface (Logger) while allowing
// users to plug slog, zerolog or anything else. Engine packages log key/value
// pairs under dotted event names (dispatcher.intent.routed, ...).
package logging
