// Package log provides structured logging for portod using zerolog.
//
// A single global Logger is initialized once via Init and read by every
// other package; component loggers (WithComponent, WithContainer, WithPid)
// attach context fields without threading a logger through constructors.
package log
