// Package logx is recurq's logging layer on top of zerolog.
//
// Console records are human readable with a short timestamp and file:line
// caller. The file sink writes JSON. The optional hook sink forwards
// records at or above a minimum level, rate limited, to a callback that
// feeds the log level counters.
package logx
