// Package taskrunner composes an ordered middleware chain around a
// terminal executor (spec §4.4): the Cache Middlewares plus the Process
// Supervisor call that the Generator and Daemon both drive every
// Command through.
package taskrunner

import (
	"context"

	"github.com/factorialco/shadowdog/internal/config"
	"github.com/factorialco/shadowdog/internal/eventbus"
)

// Context is the read-mostly view every middleware and the terminal
// executor see. Only Options is meant to be written by the owning
// middleware; everything else is populated once by the caller (the
// Generator) before Run.
type Context struct {
	GoContext              context.Context
	Files                  []string
	InvalidatorFiles       []string
	EnvironmentNames       []string
	CommandConfig          config.Command
	WatcherLabel           string
	EventBus               *eventbus.Bus
	ChangedFilePath        string
	Options                map[string]interface{}

	aborted bool
}

// Abort is sticky: once set, no further middleware frame is entered and
// the terminal executor does not run.
func (c *Context) Abort() { c.aborted = true }

// Aborted reports whether a previous middleware called Abort.
func (c *Context) Aborted() bool { return c.aborted }

// Next invokes the remainder of the chain.
type Next func() error

// Middleware wraps the terminal executor. It must either call next()
// (optionally doing work before/after), call ctx.Abort() to skip the
// rest of the chain, or return an error, which propagates and fails the
// Task.
type Middleware func(ctx *Context, next Next) error

// Terminal is the innermost frame: the actual command execution.
type Terminal func(ctx *Context) error

// Runner holds an ordered middleware stack plus the terminal executor.
type Runner struct {
	middlewares []Middleware
	terminal    Terminal
}

// New builds a Runner. Middlewares execute in the order given; the
// terminal is the innermost frame.
func New(terminal Terminal, middlewares ...Middleware) *Runner {
	return &Runner{middlewares: middlewares, terminal: terminal}
}

// Run drives ctx through the middleware chain. ctx.GoContext is checked
// once, right before the terminal: if it is already cancelled the
// terminal is skipped and ctx.GoContext.Err() is returned up through
// every frame that called next(). A terminal that is already running is
// not interrupted by the Runner.
func (r *Runner) Run(ctx *Context) error {
	chain := func(*Context) error {
		if ctx.Aborted() {
			return nil
		}
		select {
		case <-ctx.GoContext.Done():
			return ctx.GoContext.Err()
		default:
		}
		return r.terminal(ctx)
	}

	for i := len(r.middlewares) - 1; i >= 0; i-- {
		mw := r.middlewares[i]
		next := chain
		chain = func(c *Context) error {
			if c.Aborted() {
				return nil
			}
			return mw(c, func() error { return next(c) })
		}
	}

	return chain(ctx)
}
