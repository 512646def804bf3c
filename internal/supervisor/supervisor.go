package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/agentcoord/agentcoord/internal/common/config"
	"github.com/agentcoord/agentcoord/internal/common/logger"
	"github.com/agentcoord/agentcoord/internal/events"
	"github.com/agentcoord/agentcoord/internal/events/eventlog"
)

// ErrUnknownBackend is returned for calls routed to a name the supervisor
// does not manage.
var ErrUnknownBackend = errors.New("unknown backend")

// CatalogListener is notified when a backend's tool set becomes available
// or is withdrawn. The tool registry implements it.
type CatalogListener interface {
	BackendReady(name string, tools []mcp.Tool)
	BackendDead(name string)
}

// Supervisor owns the backend process table. Each backend runs under its own
// goroutine that handles probing and backoff restarts.
type Supervisor struct {
	file     *File
	cfg      config.BackendsConfig
	backends map[string]*Backend

	listener CatalogListener
	log      eventlog.Log
	logger   *logger.Logger

	mu     sync.RWMutex
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a supervisor for the servers in the configuration document.
func New(file *File, cfg config.BackendsConfig, listener CatalogListener, log eventlog.Log, lg *logger.Logger) *Supervisor {
	return &Supervisor{
		file:     file,
		cfg:      cfg,
		backends: make(map[string]*Backend),
		listener: listener,
		log:      log,
		logger:   lg.WithFields(zap.String("component", "supervisor")),
		stopCh:   make(chan struct{}),
	}
}

// Start launches every configured backend. Startup failures do not abort the
// coordinator; the per-backend loop keeps retrying under its restart policy.
func (s *Supervisor) Start(ctx context.Context) {
	for name, spec := range s.file.Servers {
		b := newBackend(name, spec, s.file.Config, s.cfg.PendingCap, s.logger)
		s.mu.Lock()
		s.backends[name] = b
		s.mu.Unlock()

		s.wg.Add(1)
		go s.run(ctx, b)
	}
	s.logger.Info("supervisor started", zap.Int("backends", len(s.file.Servers)))
}

// Stop terminates every backend process.
func (s *Supervisor) Stop() {
	close(s.stopCh)
	s.mu.RLock()
	for _, b := range s.backends {
		b.stop()
	}
	s.mu.RUnlock()
	s.wg.Wait()
	s.logger.Info("supervisor stopped")
}

// Call forwards a tool call to a backend with the configured per-call
// timeout.
func (s *Supervisor) Call(ctx context.Context, backendName, toolName string, arguments json.RawMessage) (json.RawMessage, error) {
	s.mu.RLock()
	b, ok := s.backends[backendName]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownBackend
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeoutDuration())
	defer cancel()
	return b.Call(ctx, toolName, arguments)
}

// Backend returns the named backend, if managed.
func (s *Supervisor) Backend(name string) (*Backend, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.backends[name]
	return b, ok
}

// States returns a snapshot of backend lifecycle states by name.
func (s *Supervisor) States() map[string]State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]State, len(s.backends))
	for name, b := range s.backends {
		out[name] = b.State()
	}
	return out
}

// run owns one backend for the supervisor's lifetime: start, health probes,
// and exponential backoff restarts up to the attempt cap.
func (s *Supervisor) run(ctx context.Context, b *Backend) {
	defer s.wg.Done()

	attempts := 0
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		if err := b.start(ctx); err != nil {
			attempts++
			if !s.scheduleRestart(b, attempts, err) {
				return
			}
			continue
		}
		attempts = 0
		s.announceUp(ctx, b)

		// Ready: watch for exit and run health probes.
		alive := s.watch(ctx, b)
		s.announceDown(ctx, b)
		if !alive {
			return
		}

		attempts++
		if !s.scheduleRestart(b, attempts, errors.New("backend died")) {
			return
		}
	}
}

// watch blocks until the backend dies or the supervisor stops. It returns
// false when the supervisor is shutting down.
func (s *Supervisor) watch(ctx context.Context, b *Backend) bool {
	ticker := time.NewTicker(b.settings.HeartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return false
		case err := <-b.exited():
			b.state.Store(StateDead)
			s.logger.Warn("backend exited",
				zap.String("backend", b.Name),
				zap.Error(err))
			return true
		case <-ticker.C:
			if !b.probe(ctx) {
				s.logger.Warn("backend declared dead after failed probes",
					zap.String("backend", b.Name))
				b.stop()
				return true
			}
		}
	}
}

// scheduleRestart sleeps through the backoff window. It returns false when
// restarts are disabled or exhausted, leaving the backend permanently dead.
func (s *Supervisor) scheduleRestart(b *Backend, attempts int, cause error) bool {
	if !b.spec.AutoRestart {
		s.logger.Warn("backend dead, restart disabled",
			zap.String("backend", b.Name), zap.Error(cause))
		b.state.Store(StateDead)
		return false
	}
	if attempts > b.settings.MaxRestartAttempts {
		s.logger.Error("backend permanently dead, restart attempts exhausted",
			zap.String("backend", b.Name),
			zap.Int("attempts", attempts-1))
		b.state.Store(StateDead)
		return false
	}

	delay := b.settings.RestartDelay() << (attempts - 1)
	b.state.Store(StateRestarting)
	s.logger.Info("scheduling backend restart",
		zap.String("backend", b.Name),
		zap.Int("attempt", attempts),
		zap.Duration("delay", delay),
		zap.Error(cause))

	select {
	case <-time.After(delay):
		return true
	case <-s.stopCh:
		return false
	}
}

func (s *Supervisor) announceUp(ctx context.Context, b *Backend) {
	if s.listener != nil {
		s.listener.BackendReady(b.Name, b.Tools())
	}
	s.append(ctx, events.New(events.ExternalServerUp, map[string]interface{}{
		"server": b.Name,
		"tools":  len(b.Tools()),
	}))
}

func (s *Supervisor) announceDown(ctx context.Context, b *Backend) {
	if s.listener != nil {
		s.listener.BackendDead(b.Name)
	}
	s.append(ctx, events.New(events.ExternalServerDown, map[string]interface{}{
		"server": b.Name,
	}))
}

func (s *Supervisor) append(ctx context.Context, e *events.Event) {
	if _, err := s.log.Append(ctx, events.StreamServers, e); err != nil {
		s.logger.Warn("server event append failed",
			zap.String("kind", e.Kind), zap.Error(err))
	}
}
