// Package logx configures autobackup's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured, one file per process run
//   - Runtime level changes (Service.Apply) once the config is loaded
package logx
