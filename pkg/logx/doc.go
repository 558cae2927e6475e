// Package logx is pingcast's structured logger, a thin layer over zerolog.
//
// Loggers derived from a Service follow its sinks and level across
// Service.Apply, so a config reload retargets every component at once.
// The zero Logger discards everything.
package logx
