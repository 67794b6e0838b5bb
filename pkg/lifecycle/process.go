package lifecycle

import (
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/DeBrosOfficial/shmbus/pkg/errors"
	"github.com/DeBrosOfficial/shmbus/pkg/logging"
)

// State is the health a process reports about itself.
type State int

const (
	StateUnknown State = iota
	StateHealthy
	StateWarning
	StateCritical
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateWarning:
		return "warning"
	case StateCritical:
		return "critical"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Severity qualifies a State, Level1 being the mildest.
type Severity int

const (
	SeverityLevel1 Severity = iota + 1
	SeverityLevel2
	SeverityLevel3
	SeverityLevel4
	SeverityLevel5
)

// Status is the last state reported through SetState.
type Status struct {
	State    State
	Severity Severity
	Info     string
}

// Process is the initialized middleware lifecycle every endpoint depends on.
// Endpoints may only be created while Ok reports true.
type Process struct {
	name       string
	instanceID uuid.UUID
	logger     *logging.ColoredLogger

	mu      sync.RWMutex
	running bool
	status  Status
	hooks   []func() error
}

// Option configures a Process.
type Option func(*Process)

// WithLogger sets the logger used for lifecycle events.
func WithLogger(l *logging.ColoredLogger) Option {
	return func(p *Process) {
		if l != nil {
			p.logger = l
		}
	}
}

// Initialize starts a lifecycle under the given unit name and reports it healthy.
func Initialize(name string, opts ...Option) (*Process, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.NewInvalidConfigurationError("process.name", "must not be empty", name)
	}

	p := &Process{
		name:       name,
		instanceID: uuid.New(),
		logger:     logging.NewNopLogger(),
		running:    true,
		status:     Status{State: StateHealthy, Severity: SeverityLevel1, Info: "ok"},
	}
	for _, opt := range opts {
		opt(p)
	}

	p.logger.ComponentInfo(logging.ComponentLifecycle, "Process initialized",
		zap.String("name", name),
		zap.String("instance_id", p.instanceID.String()),
	)
	return p, nil
}

// Name returns the unit name passed to Initialize.
func (p *Process) Name() string { return p.name }

// InstanceID identifies this process instance; remote frames carry it so a
// process can recognise its own traffic.
func (p *Process) InstanceID() uuid.UUID { return p.instanceID }

// Ok reports whether the lifecycle is initialized and not yet shut down.
func (p *Process) Ok() bool {
	if p == nil {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// SetState records the process health.
func (p *Process) SetState(state State, severity Severity, info string) error {
	if strings.ContainsRune(info, 0) {
		return errors.NewInvalidConfigurationError("state.info", "must not contain NUL bytes", info)
	}
	if severity < SeverityLevel1 || severity > SeverityLevel5 {
		return errors.NewInvalidConfigurationError("state.severity", "must be between 1 and 5", int(severity))
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return errors.NewNotInitializedError("set state")
	}
	p.status = Status{State: state, Severity: severity, Info: info}

	p.logger.ComponentDebug(logging.ComponentLifecycle, "Process state changed",
		zap.Stringer("state", state),
		zap.Int("severity", int(severity)),
		zap.String("info", info),
	)
	return nil
}

// Status returns the last reported state.
func (p *Process) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// OnShutdown registers fn to run during Shutdown. Hooks run in reverse
// registration order. Registering after shutdown runs nothing and reports NotInitialized.
func (p *Process) OnShutdown(fn func() error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return errors.NewNotInitializedError("register shutdown hook")
	}
	p.hooks = append(p.hooks, fn)
	return nil
}

// Shutdown finalizes the lifecycle. Subsequent endpoint creation fails with
// NotInitialized. Calling Shutdown twice is a no-op.
func (p *Process) Shutdown() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.status = Status{State: StateUnknown, Severity: SeverityLevel1, Info: "shut down"}
	hooks := p.hooks
	p.hooks = nil
	p.mu.Unlock()

	var err error
	for i := len(hooks) - 1; i >= 0; i-- {
		err = multierr.Append(err, hooks[i]())
	}

	if err != nil {
		p.logger.ComponentWarn(logging.ComponentLifecycle, "Process shut down with errors",
			zap.String("name", p.name),
			zap.Error(err),
		)
		return err
	}

	p.logger.ComponentInfo(logging.ComponentLifecycle, "Process shut down", zap.String("name", p.name))
	return nil
}
