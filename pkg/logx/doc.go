// Package logx configures dispatchq's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Runtime level/sink changes without re-plumbing loggers (Service.Apply)
package logx
