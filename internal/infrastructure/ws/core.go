package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/studiocdz/collaborative-editor/internal/domain"
	"github.com/studiocdz/collaborative-editor/internal/infrastructure/logging"
	"github.com/studiocdz/collaborative-editor/internal/infrastructure/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Recorder receives session metrics. A nil Recorder is replaced by a no-op.
type Recorder interface {
	EventAppended(kind domain.EventKind)
	SubmitRejected(code string)
	SlowConsumerDropped()
	ParticipantsOnline(sessionID string, n int)
}

type nopRecorder struct{}

func (nopRecorder) EventAppended(domain.EventKind) {}
func (nopRecorder) SubmitRejected(string)          {}
func (nopRecorder) SlowConsumerDropped()           {}
func (nopRecorder) ParticipantsOnline(string, int) {}

// SessionClosedObserver is implemented by observers that also want to know
// when a session is torn down.
type SessionClosedObserver interface {
	SessionClosed(ctx context.Context, sessionID string, lastSeq uint64, reason string)
}

type CoreConfig struct {
	// SubmitTimeout bounds how long Submit and Attach wait for the session loop.
	SubmitTimeout time.Duration
	// ReconnectGrace is how long a participant whose transport dropped stays
	// Online waiting for a resume.
	ReconnectGrace time.Duration
	// IdleTTL tears the session down after it has had no connections for
	// this long. Zero disables it.
	IdleTTL           time.Duration
	ObserverQueueSize int
}

func (c CoreConfig) withDefaults() CoreConfig {
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = 5 * time.Second
	}
	if c.ReconnectGrace < 0 {
		c.ReconnectGrace = 0
	}
	if c.ObserverQueueSize <= 0 {
		c.ObserverQueueSize = 1024
	}
	return c
}

type submitRequest struct {
	ctx           context.Context
	participantID string
	cmd           Command
	reply         chan submitResult
}

type submitResult struct {
	seq uint64
	err error
}

type attachRequest struct {
	client *Client
	join   JoinRequest
	reply  chan attachResult
}

type attachResult struct {
	participant domain.Participant
	err         error
}

type detachRequest struct {
	client *Client
	cause  DetachCause
}

type graceExpiry struct {
	participantID string
	generation    uint64
}

type observed struct {
	ev domain.SessionEvent
}

// Core is the authority of one session. Everything it owns is touched only
// by the Run goroutine; other goroutines reach it through channels.
type Core struct {
	sessionID string
	// epoch names this run of the session. Sequence numbers from different
	// epochs are unrelated.
	epoch     string
	cfg       CoreConfig
	log       *domain.EventLog
	presence  *domain.PresenceRegistry
	nextSeq   uint64

	clients   map[string]*Client // participant id -> attached connection
	graces    map[string]*time.Timer
	graceGens map[string]uint64

	attach       chan attachRequest
	detach       chan detachRequest
	submit       chan submitRequest
	snapshot     chan chan domain.SessionSnapshot
	graceExpired chan graceExpiry
	stop         chan struct{}
	stopOnce     sync.Once
	done         chan struct{}
	err          error

	observers []domain.EventObserver
	observed  chan observed
	recorder  Recorder
	logger    logging.Logger
	tracer    trace.Tracer

	emptySince time.Time
}

func NewCore(sessionID string, cfg CoreConfig, logger logging.Logger, recorder Recorder, observers ...domain.EventObserver) *Core {
	cfg = cfg.withDefaults()
	if recorder == nil {
		recorder = nopRecorder{}
	}

	return &Core{
		sessionID:    sessionID,
		epoch:        uuid.NewString(),
		cfg:          cfg,
		log:          domain.NewEventLog(),
		presence:     domain.NewPresenceRegistry(),
		nextSeq:      1,
		clients:      make(map[string]*Client),
		graces:       make(map[string]*time.Timer),
		graceGens:    make(map[string]uint64),
		attach:       make(chan attachRequest),
		detach:       make(chan detachRequest),
		submit:       make(chan submitRequest),
		snapshot:     make(chan chan domain.SessionSnapshot),
		graceExpired: make(chan graceExpiry),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
		observers:    observers,
		observed:     make(chan observed, cfg.ObserverQueueSize),
		recorder:     recorder,
		logger:       logger,
		tracer:       tracing.GetTracer("collab/session"),
	}
}

func (c *Core) SessionID() string {
	return c.sessionID
}

func (c *Core) Epoch() string {
	return c.epoch
}

// Log exposes the session's event log for read-only use.
func (c *Core) Log() *domain.EventLog {
	return c.log
}

// Done is closed once Run has returned.
func (c *Core) Done() <-chan struct{} {
	return c.done
}

// Err is the reason Run stopped. It is only meaningful after Done is closed.
func (c *Core) Err() error {
	<-c.done
	return c.err
}

// Stop asks Run to return. It does not wait.
func (c *Core) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Core) extra(kv ...any) map[logging.ExtraKey]any {
	e := map[logging.ExtraKey]any{logging.SessionID: c.sessionID}
	for i := 0; i+1 < len(kv); i += 2 {
		e[kv[i].(logging.ExtraKey)] = kv[i+1]
	}
	return e
}

// Run is the session loop. It returns nil after Stop, context cancellation or
// idle teardown, and a wrapped domain.ErrSequenceConflict when the log's
// integrity can no longer be trusted.
func (c *Core) Run(ctx context.Context) error {
	observerDone := make(chan struct{})
	go c.runObservers(observerDone)

	c.emptySince = time.Now()
	var idleTick <-chan time.Time
	if c.cfg.IdleTTL > 0 {
		ticker := time.NewTicker(max(c.cfg.IdleTTL/4, 10*time.Millisecond))
		defer ticker.Stop()
		idleTick = ticker.C
	}

	reason := "stopped"
	defer func() {
		c.teardown(reason)
		close(c.observed)
		<-observerDone
		c.notifyClosed(reason)
		close(c.done)
	}()

	for {
		select {
		case <-ctx.Done():
			reason = "context cancelled"
			return nil

		case <-c.stop:
			return nil

		case req := <-c.attach:
			p, err := c.handleAttach(req.client, req.join)
			req.reply <- attachResult{participant: p, err: err}
			if c.err != nil {
				reason = "sequence conflict"
				return c.err
			}

		case req := <-c.detach:
			c.handleDetach(req.client, req.cause)
			if c.err != nil {
				reason = "sequence conflict"
				return c.err
			}

		case req := <-c.submit:
			seq, err := c.handleSubmit(req.participantID, req.cmd)
			req.reply <- submitResult{seq: seq, err: err}
			if c.err != nil {
				reason = "sequence conflict"
				return c.err
			}

		case exp := <-c.graceExpired:
			c.handleGraceExpiry(exp)
			if c.err != nil {
				reason = "sequence conflict"
				return c.err
			}

		case reply := <-c.snapshot:
			reply <- c.buildSnapshot()

		case <-idleTick:
			if len(c.clients) == 0 && len(c.graces) == 0 && time.Since(c.emptySince) >= c.cfg.IdleTTL {
				reason = "idle"
				c.logger.Info(logging.Session, logging.Shutdown, "tearing down idle session", c.extra())
				return nil
			}
		}
	}
}

// Submit hands a decoded command from an attached participant to the loop and
// waits for its sequence number.
func (c *Core) Submit(ctx context.Context, participantID string, cmd Command) (uint64, error) {
	ctx, span := c.tracer.Start(ctx, "session.submit", trace.WithAttributes(
		attribute.String("session.id", c.sessionID),
		attribute.String("event.kind", string(cmd.Kind)),
	))
	defer span.End()

	req := submitRequest{ctx: ctx, participantID: participantID, cmd: cmd, reply: make(chan submitResult, 1)}
	if err := c.enter(ctx, req); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}

	select {
	case res := <-req.reply:
		if res.err != nil {
			span.SetStatus(codes.Error, res.err.Error())
		} else {
			span.SetAttributes(attribute.Int64("event.seq", int64(res.seq)))
		}
		return res.seq, res.err
	case <-c.done:
		return 0, domain.ErrSessionClosed
	}
}

func (c *Core) enter(ctx context.Context, req submitRequest) error {
	timer := time.NewTimer(c.cfg.SubmitTimeout)
	defer timer.Stop()

	select {
	case c.submit <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return domain.ErrSessionClosed
	case <-timer.C:
		return fmt.Errorf("%w: timed out waiting for the session", domain.ErrSessionClosed)
	}
}

// Attach runs the join handshake for a connection.
func (c *Core) Attach(ctx context.Context, client *Client, join JoinRequest) (domain.Participant, error) {
	req := attachRequest{client: client, join: join, reply: make(chan attachResult, 1)}

	timer := time.NewTimer(c.cfg.SubmitTimeout)
	defer timer.Stop()

	select {
	case c.attach <- req:
	case <-ctx.Done():
		return domain.Participant{}, ctx.Err()
	case <-c.done:
		return domain.Participant{}, domain.ErrSessionClosed
	case <-timer.C:
		return domain.Participant{}, fmt.Errorf("%w: timed out waiting for the session", domain.ErrSessionClosed)
	}

	select {
	case res := <-req.reply:
		return res.participant, res.err
	case <-c.done:
		return domain.Participant{}, domain.ErrSessionClosed
	}
}

// Detach reports that a connection is gone. It never blocks past teardown.
func (c *Core) Detach(client *Client, cause DetachCause) {
	select {
	case c.detach <- detachRequest{client: client, cause: cause}:
	case <-c.done:
	}
}

// Snapshot returns the current participants and sequence position.
func (c *Core) Snapshot(ctx context.Context) (domain.SessionSnapshot, error) {
	reply := make(chan domain.SessionSnapshot, 1)
	select {
	case c.snapshot <- reply:
	case <-ctx.Done():
		return domain.SessionSnapshot{}, ctx.Err()
	case <-c.done:
		return domain.SessionSnapshot{}, domain.ErrSessionClosed
	}

	select {
	case s := <-reply:
		return s, nil
	case <-c.done:
		return domain.SessionSnapshot{}, domain.ErrSessionClosed
	}
}

func (c *Core) buildSnapshot() domain.SessionSnapshot {
	return domain.SessionSnapshot{
		SessionID:    c.sessionID,
		Seq:          c.nextSeq - 1,
		LastClearSeq: c.log.LastClearSeq(),
		Connections:  len(c.clients),
		Participants: c.presence.List(),
	}
}

func (c *Core) handleAttach(client *Client, join JoinRequest) (domain.Participant, error) {
	existing, known := c.presence.Get(join.ID)
	if join.ID == "" {
		known = false
	}
	// A remembered id already in use by another tab gets a fresh identity.
	if join.Hinted && known && existing.IsOnline() && !join.Resume {
		join.ID, known = "", false
	}

	switch {
	case known && existing.IsOnline() && !join.Resume:
		c.recorder.SubmitRejected(domain.CodeDuplicateJoin)
		return domain.Participant{}, fmt.Errorf("%w: %s", domain.ErrDuplicateJoin, join.ID)

	case known && existing.IsOnline():
		c.cancelGrace(existing.ID)
		if old, ok := c.clients[existing.ID]; ok && old != client {
			delete(c.clients, existing.ID)
			old.Close(CloseSuperseded, "superseded by a newer connection")
		}

		from := max(c.log.ReplayFrom(), join.LastSeq+1)
		if !c.replayTo(client, existing, from, join.LastSeq, true) {
			return domain.Participant{}, c.dropSlow(client, existing.ID)
		}
		c.logger.Info(logging.Session, logging.Join, "participant resumed", c.extra(logging.ParticipantID, existing.ID, logging.Seq, from))
		c.attachClient(existing.ID, client)
		return existing, nil
	}

	name, color := join.Name, join.Color
	if known {
		if name == "" {
			name = existing.DisplayName
		}
		if color == "" {
			color = existing.Color
		}
	}

	p, err := domain.NewParticipant(join.ID, name, color)
	if err != nil {
		c.recorder.SubmitRejected(domain.CodeMalformedPayload)
		return domain.Participant{}, err
	}

	seq, err := c.appendAndFanOut(domain.NewJoinEvent(p))
	if err != nil {
		return domain.Participant{}, err
	}

	p, _ = c.presence.Get(p.ID)
	if !c.replayTo(client, p, c.log.ReplayFrom(), 0, false) {
		return domain.Participant{}, c.dropSlow(client, p.ID)
	}
	c.logger.Info(logging.Session, logging.Join, "participant joined", c.extra(logging.ParticipantID, p.ID, logging.Seq, seq))
	c.attachClient(p.ID, client)
	return p, nil
}

func (c *Core) attachClient(participantID string, client *Client) {
	c.clients[participantID] = client
	c.recorder.ParticipantsOnline(c.sessionID, c.presence.OnlineCount())
}

// replayTo queues the welcome and replay burst ahead of any live frame. The
// client has already rendered everything up to seen.
func (c *Core) replayTo(client *Client, p domain.Participant, from, seen uint64, resumed bool) bool {
	to := c.nextSeq - 1
	return client.enqueue(outbound{replay: &replayBurst{
		welcome: NewWelcome(c.sessionID, c.epoch, p, to, resumed),
		from:    from,
		to:      to,
		users:   NewUserList(c.presence.List()),
		events:  c.log.ReplaySince(from, seen, c.presence.IsOnline),
	}})
}

func (c *Core) handleSubmit(participantID string, cmd Command) (uint64, error) {
	p, ok := c.presence.Get(participantID)
	if !ok || !p.IsOnline() {
		c.recorder.SubmitRejected(domain.CodeUnknownParticipant)
		return 0, fmt.Errorf("%w: %s", domain.ErrUnknownParticipant, participantID)
	}

	var ev domain.SessionEvent
	switch cmd.Kind {
	case domain.KindDraw:
		if err := domain.ValidateDraw(cmd.Draw); err != nil {
			c.recorder.SubmitRejected(domain.CodeMalformedPayload)
			return 0, err
		}
		ev = domain.NewDrawEvent(participantID, *cmd.Draw)

	case domain.KindChat:
		validate := domain.ValidateChat
		if cmd.FileShare {
			validate = domain.ValidateFileShare
		}
		if err := validate(cmd.Chat); err != nil {
			c.recorder.SubmitRejected(domain.CodeMalformedPayload)
			return 0, err
		}
		msg := *cmd.Chat
		if msg.ID == "" {
			msg.ID = uuid.NewString()
		}
		if msg.Timestamp == 0 {
			msg.Timestamp = time.Now().UnixMilli()
		}
		msg.ParticipantName = p.DisplayName
		ev = domain.NewChatEvent(participantID, msg)

	case domain.KindClear:
		ev = domain.NewClearEvent(participantID)

	case domain.KindLeave:
		c.cancelGrace(participantID)
		delete(c.clients, participantID)
		c.markEmpty()
		ev = domain.NewLeaveEvent(participantID, domain.LeaveRequested)

	case domain.KindJoin:
		c.recorder.SubmitRejected(domain.CodeDuplicateJoin)
		return 0, fmt.Errorf("%w: join must go through attach", domain.ErrDuplicateJoin)

	default:
		c.recorder.SubmitRejected(domain.CodeMalformedPayload)
		return 0, fmt.Errorf("%w: unknown command %q", domain.ErrMalformedPayload, cmd.Kind)
	}

	return c.appendAndFanOut(ev)
}

func (c *Core) handleDetach(client *Client, cause DetachCause) {
	participantID := client.ParticipantID()
	if participantID == "" {
		return
	}
	if attached, ok := c.clients[participantID]; !ok || attached != client {
		return
	}
	delete(c.clients, participantID)
	c.markEmpty()

	switch cause {
	case CauseLeave:
		// The leave event was appended by the submit.
	case CauseIdle:
		c.leave(participantID, domain.LeaveIdleTimeout)
	case CauseTransport:
		c.startGrace(participantID)
	}
}

func (c *Core) leave(participantID string, reason domain.LeaveReason) {
	if !c.presence.IsOnline(participantID) {
		return
	}
	c.cancelGrace(participantID)
	if _, err := c.appendAndFanOut(domain.NewLeaveEvent(participantID, reason)); err != nil {
		c.logger.Error(logging.Session, logging.Leave, "failed to record leave", c.extra(logging.ParticipantID, participantID, logging.ErrorMessage, err.Error()))
		return
	}
	c.logger.Info(logging.Session, logging.Leave, "participant left", c.extra(logging.ParticipantID, participantID, logging.Reason, string(reason)))
}

func (c *Core) startGrace(participantID string) {
	if c.cfg.ReconnectGrace == 0 {
		c.leave(participantID, domain.LeaveConnectionLost)
		return
	}

	c.cancelGrace(participantID)
	c.graceGens[participantID]++
	exp := graceExpiry{participantID: participantID, generation: c.graceGens[participantID]}

	c.graces[participantID] = time.AfterFunc(c.cfg.ReconnectGrace, func() {
		select {
		case c.graceExpired <- exp:
		case <-c.done:
		}
	})
}

func (c *Core) cancelGrace(participantID string) {
	if t, ok := c.graces[participantID]; ok {
		t.Stop()
		delete(c.graces, participantID)
	}
}

func (c *Core) handleGraceExpiry(exp graceExpiry) {
	if c.graceGens[exp.participantID] != exp.generation {
		return
	}
	if _, ok := c.graces[exp.participantID]; !ok {
		return
	}
	delete(c.graces, exp.participantID)
	if _, attached := c.clients[exp.participantID]; attached {
		return
	}
	c.leave(exp.participantID, domain.LeaveConnectionLost)
	c.markEmpty()
}

func (c *Core) markEmpty() {
	if len(c.clients) == 0 {
		c.emptySince = time.Now()
	}
}

// appendAndFanOut is the only path that writes to the log.
func (c *Core) appendAndFanOut(ev domain.SessionEvent) (uint64, error) {
	seq, err := c.log.AppendAt(c.nextSeq, ev)
	if err != nil {
		if errors.Is(err, domain.ErrSequenceConflict) {
			c.err = err
			c.logger.Error(logging.Session, logging.Integrity, "event log integrity lost, halting session", c.extra(logging.ErrorMessage, err.Error()))
			return 0, fmt.Errorf("%w: %v", domain.ErrSessionClosed, err)
		}
		c.recorder.SubmitRejected(domain.RejectReason(err))
		return 0, err
	}
	c.nextSeq = seq + 1

	stored, _ := c.log.Get(seq)
	c.presence.Apply(stored)
	c.recorder.EventAppended(stored.Kind)
	if stored.Kind == domain.KindJoin || stored.Kind == domain.KindLeave {
		c.recorder.ParticipantsOnline(c.sessionID, c.presence.OnlineCount())
	}

	c.fanOut(stored)
	c.notify(stored)
	return seq, nil
}

func (c *Core) fanOut(ev domain.SessionEvent) {
	var users []UserPayload
	if ev.Kind == domain.KindJoin || ev.Kind == domain.KindLeave {
		users = NewUserList(c.presence.List())
	}

	pm, err := prepare(EventMessage(ev, users, false))
	if err != nil {
		c.logger.Error(logging.Session, logging.Fanout, "failed to encode event", c.extra(logging.Seq, ev.Seq, logging.ErrorMessage, err.Error()))
		return
	}

	for participantID, client := range c.clients {
		if !client.enqueue(outbound{frame: pm}) {
			_ = c.dropSlow(client, participantID)
		}
	}
}

// dropSlow disconnects a connection whose queue is full. The participant is
// treated as having lost its transport, so it can resume and replay.
func (c *Core) dropSlow(client *Client, participantID string) error {
	c.recorder.SlowConsumerDropped()
	c.logger.Warn(logging.Session, logging.SlowConsumer, "dropping slow connection", c.extra(logging.ParticipantID, participantID, logging.ConnectionID, client.ID))

	client.Close(CloseResyncRequired, "outbound queue full, resync required")
	if attached, ok := c.clients[participantID]; ok && attached == client {
		delete(c.clients, participantID)
		c.markEmpty()
	}
	if c.presence.IsOnline(participantID) {
		c.startGrace(participantID)
	}
	return fmt.Errorf("%w: outbound queue full", domain.ErrConnectionLost)
}

func (c *Core) notify(ev domain.SessionEvent) {
	if len(c.observers) == 0 {
		return
	}
	select {
	case c.observed <- observed{ev: ev}:
	default:
		c.logger.Warn(logging.Session, logging.Fanout, "observer queue full, dropping event", c.extra(logging.Seq, ev.Seq))
	}
}

func (c *Core) runObservers(done chan<- struct{}) {
	defer close(done)
	ctx := context.Background()
	for item := range c.observed {
		for _, o := range c.observers {
			o.Observe(ctx, c.sessionID, item.ev)
		}
	}
}

func (c *Core) notifyClosed(reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, o := range c.observers {
		if sc, ok := o.(SessionClosedObserver); ok {
			sc.SessionClosed(ctx, c.sessionID, c.nextSeq-1, reason)
		}
	}
}

func (c *Core) teardown(reason string) {
	code := websocket.CloseGoingAway
	if c.err != nil {
		code = websocket.CloseInternalServerErr
	}
	for participantID, client := range c.clients {
		client.Close(code, "session closed")
		delete(c.clients, participantID)
	}
	for participantID := range c.graces {
		c.cancelGrace(participantID)
	}
	c.logger.Info(logging.Session, logging.Shutdown, "session stopped", c.extra(logging.Reason, reason, logging.Seq, c.nextSeq-1))
}
