// Package logx configures taxiflow's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output on stderr, readable (short timestamp + short caller)
//   - File output JSON-structured, one event per line
//   - Loggers derived from a Service live across Service.Apply() calls
package logx
