// Package logx wraps zerolog behind a small structured-logging API.
//
// Components receive a Logger value and attach fixed fields with With().
// The Service variant keeps loggers "live": Apply() swaps levels and
// writers at runtime (console, file) without invalidating handed-out
// Logger values, which is what the config hot-reload path relies on.
package logx
