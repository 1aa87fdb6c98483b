// Package log provides structured logging built on zerolog.
//
// Init configures the global Logger once at startup from a Config
// (level, JSON vs console output, destination writer). Components derive
// a child logger carrying their own fields — WithComponent for a
// subsystem name, WithJobID and WithClientName for request-scoped
// context — rather than passing loose strings into every log call.
package log
