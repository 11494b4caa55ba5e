// Package logging provides a small wrapper around log/slog with a
// subsystem-tagged, printf-style API used across the codebase.
//
// Call Init once at startup to configure the minimum level and output,
// then log with Debug, Info, Warn, and Error. Each call names the
// subsystem that produced the entry so operators can filter by component.
package logging
