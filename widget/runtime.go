package widget

import (
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/shelepuginivan/systat/fault"
	"github.com/shelepuginivan/systat/loop"
)

type running struct {
	provider Provider
	view     View
	state    Icon
}

// Runtime drives the lifecycle of registered providers.
type Runtime struct {
	registry *Registry
	renderer Renderer
	loop     *loop.Loop
	log      zerolog.Logger
	errOut   io.Writer

	running []*running
}

type Option func(*Runtime)

// WithLogger sets the logger of the runtime and its loop.
func WithLogger(log zerolog.Logger) Option {
	return func(rt *Runtime) {
		rt.log = log
	}
}

// WithErrorOutput sets where causal chains of failures are printed.
// Defaults to stderr.
func WithErrorOutput(w io.Writer) Option {
	return func(rt *Runtime) {
		rt.errOut = w
	}
}

// NewRuntime returns a runtime whose loop is stopped by control.
func NewRuntime(registry *Registry, renderer Renderer, control loop.Control, opts ...Option) *Runtime {
	rt := &Runtime{
		registry: registry,
		renderer: renderer,
		log:      zerolog.Nop(),
		errOut:   os.Stderr,
	}

	for _, opt := range opts {
		opt(rt)
	}

	rt.loop = loop.New(control,
		loop.WithLogger(rt.log),
		loop.WithReporter(rt.Report),
	)

	return rt
}

// Start initializes every provider. A provider that fails is reported and
// left out; the others are shown with their initial state and their sources
// are added to the loop. With no provider left, the loop still runs on its
// control handle alone.
func (rt *Runtime) Start() error {
	for _, p := range rt.registry.Providers() {
		name := p.Name()

		if err := p.Init(); err != nil {
			rt.Report(name, fault.Context(err, "init "+name))
			continue
		}

		view, err := rt.renderer.NewView(name)
		if err != nil {
			rt.Report(name, fault.Context(err, "create view for "+name))
			continue
		}

		r := &running{provider: p, view: view, state: p.State()}
		view.SetState(r.state)
		view.Update()

		for _, src := range p.Sources() {
			rt.loop.Add(name, src, func() { rt.refresh(r) })
		}

		rt.running = append(rt.running, r)
		rt.log.Info().Str("widget", name).Str("icon", r.state.Name).Msg("widget started")
	}

	if len(rt.running) == 0 {
		rt.log.Warn().Msg("no widget could be started")
	}

	return nil
}

// Run runs the loop until its control handle reaches end of stream.
func (rt *Runtime) Run() error {
	return rt.loop.Run()
}

// Loop returns the loop the runtime dispatches on.
func (rt *Runtime) Loop() *loop.Loop {
	return rt.loop
}

// Activate forwards an activation of the item of the named widget.
func (rt *Runtime) Activate(name string) {
	for _, r := range rt.running {
		if r.provider.Name() != name {
			continue
		}

		if err := r.provider.Activate(); err != nil {
			rt.Report(name, fault.Context(err, "activate "+name))
			return
		}

		rt.refresh(r)
		return
	}

	rt.log.Debug().Str("widget", name).Msg("activation of unknown widget")
}

// Report prints the causal chain of a failure of the named widget. The
// widget keeps its last state.
func (rt *Runtime) Report(name string, err error) {
	rt.log.Warn().Err(err).Str("widget", name).Msg("widget failure")
	fault.Print(rt.errOut, err)
}

// refresh pushes the state of r to its view if it changed.
func (rt *Runtime) refresh(r *running) {
	state := r.provider.State()
	if state == r.state {
		return
	}

	r.state = state
	r.view.SetState(state)
	r.view.Update()

	rt.log.Debug().Str("widget", r.provider.Name()).Str("icon", state.Name).Msg("state changed")
}
