package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/studiocdz/collaborative-editor/internal/domain"
	"github.com/studiocdz/collaborative-editor/internal/infrastructure/logging"
)

type SessionsConfig struct {
	Core           CoreConfig
	Client         ClientConfig
	AllowedOrigins []string
}

// SessionsDeps are the optional collaborators of a Sessions manager. Nil
// fields disable the matching feature.
type SessionsDeps struct {
	Lease     domain.OwnershipLease
	Archive   domain.SessionArchive
	Observers []domain.EventObserver
	Recorder  Recorder
	Limiter   FrameLimiter
	// OnFailure is told about sessions that stopped on an error.
	OnFailure func(sessionID string, err error)
}

// ErrLeaseLost stops a session whose ownership lease could not be renewed.
var ErrLeaseLost = errors.New("session lease lost")

type managedSession struct {
	core   *Core
	cancel context.CancelCauseFunc
	// finished is closed once the session's teardown, including the lease
	// release, is complete.
	finished chan struct{}
}

// Sessions owns every session hosted by this instance. Sessions are created
// on first use and removed when their teardown completes.
type Sessions struct {
	cfg      SessionsConfig
	deps     SessionsDeps
	logger   logging.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*managedSession
	starting map[string]chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSessions(cfg SessionsConfig, deps SessionsDeps, logger logging.Logger) *Sessions {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Sessions{
		cfg:      cfg,
		deps:     deps,
		logger:   logger,
		sessions: make(map[string]*managedSession),
		starting: make(map[string]chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin:     s.checkOrigin,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	return s
}

func (s *Sessions) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(s.cfg.AllowedOrigins, "*") || slices.Contains(s.cfg.AllowedOrigins, origin)
}

func (s *Sessions) Upgrade(w http.ResponseWriter, r *http.Request, header http.Header) (*websocket.Conn, error) {
	return s.upgrader.Upgrade(w, r, header)
}

// Get returns the running session, starting it if needed. With a lease
// configured, starting fails with domain.ErrSessionOwnedElsewhere when
// another instance holds the session. A session still tearing down is
// waited for before its successor starts.
func (s *Sessions) Get(ctx context.Context, sessionID string) (*Core, error) {
	for {
		s.mu.Lock()
		if s.ctx.Err() != nil {
			s.mu.Unlock()
			return nil, domain.ErrSessionClosed
		}

		var wait <-chan struct{}
		if ms, ok := s.sessions[sessionID]; ok {
			select {
			case <-ms.core.Done():
				wait = ms.finished
			default:
				s.mu.Unlock()
				return ms.core, nil
			}
		} else if ch, ok := s.starting[sessionID]; ok {
			wait = ch
		}

		if wait != nil {
			s.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		started := make(chan struct{})
		s.starting[sessionID] = started
		s.mu.Unlock()

		return s.start(ctx, sessionID, started)
	}
}

// start runs without s.mu held while the lease is acquired; concurrent Gets
// for the same session wait on started.
func (s *Sessions) start(ctx context.Context, sessionID string, started chan struct{}) (*Core, error) {
	var leaseErr error
	if s.deps.Lease != nil {
		ok, err := s.deps.Lease.Acquire(ctx, sessionID)
		switch {
		case err != nil:
			leaseErr = fmt.Errorf("acquire session lease: %w", err)
		case !ok:
			leaseErr = fmt.Errorf("%w: %s", domain.ErrSessionOwnedElsewhere, sessionID)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.starting, sessionID)
	defer close(started)

	if leaseErr != nil {
		return nil, leaseErr
	}
	if s.ctx.Err() != nil {
		if s.deps.Lease != nil {
			_ = s.deps.Lease.Release(context.Background(), sessionID)
		}
		return nil, domain.ErrSessionClosed
	}

	core := NewCore(sessionID, s.cfg.Core, s.logger, s.deps.Recorder, s.deps.Observers...)
	runCtx, cancel := context.WithCancelCause(s.ctx)
	ms := &managedSession{core: core, cancel: cancel, finished: make(chan struct{})}
	s.sessions[sessionID] = ms

	s.wg.Add(1)
	go s.run(runCtx, ms)

	s.logger.Info(logging.Session, logging.Startup, "session started", map[logging.ExtraKey]any{logging.SessionID: sessionID})
	return core, nil
}

// Lookup returns a running session without starting one.
func (s *Sessions) Lookup(sessionID string) (*Core, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ms, ok := s.sessions[sessionID]
	if !ok {
		return nil, false
	}
	select {
	case <-ms.core.Done():
		return nil, false
	default:
		return ms.core, true
	}
}

// Count is the number of sessions hosted here.
func (s *Sessions) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Connect attaches an upgraded connection to a session and starts its pumps.
// The participant is not known until the client sends its join frame;
// identityHint stands in for a join without an id.
func (s *Sessions) Connect(conn *websocket.Conn, core *Core, identityHint string) *Client {
	client := NewClient(conn, core.SessionID(), s.cfg.Client, s.deps.Limiter, s.logger)
	client.SetIdentityHint(identityHint)

	go client.WriteMessage()
	go client.ReadMessage(s.ctx, core)

	return client
}

func (s *Sessions) run(ctx context.Context, ms *managedSession) {
	sessionID := ms.core.SessionID()
	defer func() {
		s.mu.Lock()
		if cur, ok := s.sessions[sessionID]; ok && cur == ms {
			delete(s.sessions, sessionID)
		}
		s.mu.Unlock()
		close(ms.finished)
		s.wg.Done()
	}()
	defer ms.cancel(nil)

	extra := map[logging.ExtraKey]any{logging.SessionID: sessionID}

	if s.deps.Lease != nil {
		go s.renew(ctx, sessionID, ms.cancel)
	}

	err := ms.core.Run(ctx)
	leaseLost := errors.Is(context.Cause(ctx), ErrLeaseLost)
	if err == nil && leaseLost {
		err = ErrLeaseLost
	}

	if err != nil && s.deps.OnFailure != nil {
		s.deps.OnFailure(sessionID, err)
	}

	cleanupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch {
	case errors.Is(err, domain.ErrSequenceConflict):
		// The log cannot be trusted, so it is not archived. The next Get
		// starts a fresh authority.
		s.logger.Error(logging.Session, logging.Integrity, "session failed, discarding authority", map[logging.ExtraKey]any{
			logging.SessionID:    sessionID,
			logging.ErrorMessage: err.Error(),
		})
	case leaseLost:
		// Another instance may own the session now; its archive wins.
		s.logger.Warn(logging.Session, logging.Lease, "session stopped after losing its lease, not archiving", extra)
		return
	case err != nil:
		extra[logging.ErrorMessage] = err.Error()
		s.logger.Error(logging.Session, logging.Shutdown, "session stopped with error", extra)
	case s.deps.Archive != nil && ms.core.Log().Len() > 0:
		events := make([]domain.SessionEvent, 0, ms.core.Log().Len())
		for ev := range ms.core.Log().SnapshotSince(1) {
			events = append(events, ev)
		}
		if err := s.deps.Archive.Store(cleanupCtx, sessionID, events); err != nil {
			extra[logging.ErrorMessage] = err.Error()
			s.logger.Error(logging.Session, logging.Archive, "failed to archive session", extra)
		}
	}

	if s.deps.Lease != nil {
		if err := s.deps.Lease.Release(cleanupCtx, sessionID); err != nil {
			s.logger.Warn(logging.Session, logging.Lease, "failed to release session lease", map[logging.ExtraKey]any{
				logging.SessionID:    sessionID,
				logging.ErrorMessage: err.Error(),
			})
		}
	}
}

// renew keeps the lease alive while the session runs. Losing it stops the
// session with ErrLeaseLost so that only one instance stays authoritative.
func (s *Sessions) renew(ctx context.Context, sessionID string, stop context.CancelCauseFunc) {
	interval := s.deps.Lease.TTL() / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := s.deps.Lease.Renew(ctx, sessionID)
			if ctx.Err() != nil {
				return
			}
			if err != nil || !ok {
				extra := map[logging.ExtraKey]any{logging.SessionID: sessionID}
				if err != nil {
					extra[logging.ErrorMessage] = err.Error()
				}
				s.logger.Error(logging.Session, logging.Lease, "session lease lost, stopping session", extra)
				stop(ErrLeaseLost)
				return
			}
		}
	}
}

// Shutdown stops every session and waits for their teardown.
func (s *Sessions) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
