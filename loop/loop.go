// Package loop multiplexes the readiness handles of every registered source
// into a single poll call and routes ready handles back to their owners.
package loop

import (
	"errors"
	"os"
	"slices"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/shelepuginivan/systat/fault"
)

// Control is the well-known handle that is always polled first. Next pulls
// exactly one pending event; it returns false at end of stream, which stops
// the loop. Flush is called after every iteration.
type Control interface {
	Fd() int
	Next() bool
	Flush() error
}

// Reporter receives reaction errors of a named source.
type Reporter func(name string, err error)

type entry struct {
	name    string
	src     Source
	refresh func()
}

// Loop is a single-threaded dispatch loop.
type Loop struct {
	control Control
	entries []entry
	log     zerolog.Logger
	report  Reporter

	// poll is unix.Poll outside of tests.
	poll func(fds []unix.PollFd, timeout int) (int, error)
}

type Option func(*Loop)

// WithLogger sets the logger used for dispatch tracing.
func WithLogger(log zerolog.Logger) Option {
	return func(l *Loop) {
		l.log = log
	}
}

// WithReporter sets the function that receives reaction errors. By default
// the causal chain is printed to stderr.
func WithReporter(report Reporter) Option {
	return func(l *Loop) {
		l.report = report
	}
}

// New returns a loop with no sources.
func New(control Control, opts ...Option) *Loop {
	l := &Loop{
		control: control,
		log:     zerolog.Nop(),
		report: func(name string, err error) {
			fault.Print(os.Stderr, fault.Context(err, name))
		},
		poll: unix.Poll,
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Add registers src under name. refresh, if not nil, runs after every
// successful reaction of src.
func (l *Loop) Add(name string, src Source, refresh func()) {
	l.entries = append(l.entries, entry{name: name, src: src, refresh: refresh})
}

// Aggregate returns the poll list of the next iteration: the control handle
// first, then the current handles of every source in registration order.
func (l *Loop) Aggregate() []unix.PollFd {
	fds := []unix.PollFd{{
		Fd:     int32(l.control.Fd()),
		Events: int16(Readable),
	}}

	for _, e := range l.entries {
		for _, h := range handlesOf(e.src) {
			fds = append(fds, unix.PollFd{Fd: int32(h.Fd), Events: int16(h.Events)})
		}
	}

	return fds
}

// Run dispatches until the control handle reaches end of stream, in which
// case it returns nil. A failure of the wait call is returned as a
// [fault.System] error.
func (l *Loop) Run() error {
	for {
		fds := l.Aggregate()

		if err := l.wait(fds); err != nil {
			return fault.Wrap(fault.System, err, "wait for readiness")
		}

		if fds[0].Revents != 0 && !l.control.Next() {
			l.log.Debug().Msg("control handle reached end of stream")
			return nil
		}

		for _, pfd := range fds[1:] {
			if pfd.Revents == 0 {
				continue
			}
			l.route(Handle{Fd: int(pfd.Fd), Events: Events(pfd.Revents)})
		}

		if err := l.control.Flush(); err != nil {
			l.report("control", err)
		}
	}
}

func (l *Loop) wait(fds []unix.PollFd) error {
	for {
		_, err := l.poll(fds, -1)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return err
	}
}

// route invokes the reaction of the source that currently owns h.Fd. Sets
// are looked up again, so a handle removed by an earlier reaction of the
// same iteration is dropped.
func (l *Loop) route(h Handle) {
	for _, e := range l.entries {
		owned := slices.ContainsFunc(handlesOf(e.src), func(own Handle) bool {
			return own.Fd == h.Fd
		})
		if !owned {
			continue
		}

		react := reactionOf(e.src)
		if react == nil {
			return
		}

		l.log.Trace().Str("source", e.name).Int("fd", h.Fd).Int16("events", int16(h.Events)).Msg("dispatch")

		if err := react(h); err != nil {
			l.report(e.name, err)
			return
		}

		if e.refresh != nil {
			e.refresh()
		}
		return
	}

	l.log.Debug().Int("fd", h.Fd).Msg("dropping event of unowned handle")
}
