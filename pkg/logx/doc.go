// Package logx configures notifd's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - An optional alert sink that receives warn+ lines, rate limited
package logx
