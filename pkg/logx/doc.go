// Package logx configures chatsink's self-diagnostics logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - Arbitrary io.Writer targets JSON-structured (useful in tests)
//
// The sink forwards host log records to a remote chat service; its own
// diagnostics must never travel that same path, or a delivery failure would
// trigger more deliveries. Everything in this package writes locally.
package logx
