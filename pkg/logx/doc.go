// Package logx wraps zerolog behind a small Field/Logger facade so the rest
// of the codebase never imports zerolog directly. A Service owns the sinks
// (console, optional file) and can re-apply level/output config at runtime
// without invalidating loggers already handed out.
package logx
