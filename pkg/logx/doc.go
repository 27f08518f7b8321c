// Package logx configures modelhub's structured logging.
//
// Components log through logx.Logger, a small value type on top of zerolog:
//   - console output stays readable (short timestamp, file:line caller)
//   - json output and the optional log file stay machine-parseable
//   - loggers derived from a Service follow Service.Apply on config reload
package logx
