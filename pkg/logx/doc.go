// Package logx is agenda's structured logger: a zerolog wrapper whose
// loggers stay bound to a Service, so a config reload can change the level
// and sinks under every component at once.
//
// Console output is pretty-printed with a short caller; file output is
// JSON lines. The zero Logger discards everything.
package logx
