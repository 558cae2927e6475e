// Package httpapi exposes the ping engine over HTTP: login, challenge refresh,
// ping and forced rotation, plus health, metrics and optional pprof.
package httpapi
