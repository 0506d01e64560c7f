// Package logx is a small structured-logging wrapper on top of zerolog:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Config hot-swappable at runtime via Service.Apply
package logx
