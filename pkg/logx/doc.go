// Package logx provides a small structured logging facade over zerolog.
//
// The Service owns the sink configuration (console, file) and can be
// re-applied at runtime during config hot reload; Loggers created from it
// stay "live" across Apply() calls.
package logx
