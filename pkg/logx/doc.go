// Package logx is mudclock's structured logging, a thin wrapper (logx.Logger)
// over zerolog.
//
// Console output stays short (compact timestamp and caller). File output is
// JSON. Level and sinks can be swapped at runtime through Service.Apply.
package logx
