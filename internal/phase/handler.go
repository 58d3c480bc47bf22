package phase

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/livinlefevreloca/cadence/internal/config"
	"github.com/livinlefevreloca/cadence/internal/drive"
)

// Result is what a handler reports for one phase.
type Result struct {
	// Stop marks the phase FAILED and halts the run.
	Stop         bool
	ErrorMessage string
	Payload      drive.Payload
}

// Handler implements one phase. The record is a snapshot re-read just before
// the call; handlers must not mutate the store's copy of the phase sets.
type Handler interface {
	Execute(ctx context.Context, cfg *config.Pipeline, rec *drive.Record) (Result, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, cfg *config.Pipeline, rec *drive.Record) (Result, error)

func (f HandlerFunc) Execute(ctx context.Context, cfg *config.Pipeline, rec *drive.Record) (Result, error) {
	return f(ctx, cfg, rec)
}

// Stop returns a result that fails the phase with msg.
func Stop(msg string) Result {
	return Result{Stop: true, ErrorMessage: msg}
}

// CommandFactory builds the handler for a phase that declares a command.
type CommandFactory func(ph config.Phase) Handler

// ErrMissingHandler is returned by Validate when an enabled phase has no
// handler.
var ErrMissingHandler = errors.New("phase: no handler registered")

// Registry maps phase names to handlers. It is populated at startup.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	command  CommandFactory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler. Registering a name twice is an error.
func (r *Registry) Register(name string, h Handler) error {
	if name == "" || h == nil {
		return errors.New("phase: register requires a name and a handler")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		return errors.Newf("phase: handler for %s already registered", name)
	}
	r.handlers[name] = h
	return nil
}

// MustRegister is Register for startup wiring.
func (r *Registry) MustRegister(name string, h Handler) {
	if err := r.Register(name, h); err != nil {
		panic(err)
	}
}

// SetCommandFactory enables phases configured with a command.
func (r *Registry) SetCommandFactory(f CommandFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.command = f
}

// Resolve returns the handler for a configured phase. A configured command
// takes precedence over a registered handler.
func (r *Registry) Resolve(ph config.Phase) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if ph.Command != "" && r.command != nil {
		return r.command(ph), true
	}
	h, ok := r.handlers[ph.Name]
	return h, ok
}

// Names returns the registered handler names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate fails when any enabled phase cannot be resolved.
func (r *Registry) Validate(cfg *config.Pipeline) error {
	var missing []string
	for _, ph := range cfg.Phases {
		if !ph.IsEnabled() {
			continue
		}
		if _, ok := r.Resolve(ph); !ok {
			missing = append(missing, ph.Name)
		}
	}
	if len(missing) > 0 {
		return errors.Wrapf(ErrMissingHandler, "enabled phases %s", strings.Join(missing, ", "))
	}
	return nil
}
