// Package log provides structured logging for all Freshet components.
//
// It wraps zerolog behind a small API: Init configures the global logger
// once at process startup, and the With* helpers derive child loggers
// carrying the standard identifying fields (component, worker_id,
// actor_id, table_id). Components keep a child logger rather than calling
// the package-level helpers so every line they emit is attributable.
package log
