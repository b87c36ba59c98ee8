// Package wsclient is the participant side of a session connection. A Conn
// joins once, survives transport loss by resuming its identity and delivers
// every event to a RenderingSink exactly once, in sequence order.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/studiocdz/collaborative-editor/internal/domain"
	"github.com/studiocdz/collaborative-editor/internal/infrastructure/logging"
	"github.com/studiocdz/collaborative-editor/internal/infrastructure/ws"
)

var (
	ErrClosed     = errors.New("connection closed")
	ErrSuperseded = errors.New("connection superseded by a newer connection")
)

// RejectedError is returned when the server refuses the join frame.
type RejectedError struct {
	Code    string
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("join rejected: %s: %s", e.Code, e.Message)
}

type Identity struct {
	ID    string
	Name  string
	Color string
}

type Config struct {
	URL      string
	Identity Identity

	ReconnectInterval time.Duration
	// IdentityTimeout bounds how long a resume may replay only the missed
	// events. Past it the connection resyncs from the last clear.
	IdentityTimeout time.Duration
	// MaxReconnectTime of zero retries until Leave or Close.
	MaxReconnectTime time.Duration
	PendingQueueSize int
	IdleTimeout      time.Duration
	WriteTimeout     time.Duration

	Header http.Header
	Dialer *websocket.Dialer

	// OnStateChange runs with the connection locked; it must not block or
	// call back into the Conn other than State.
	OnStateChange func(from, to domain.ConnState)
	Logger        logging.Logger
}

func (c Config) withDefaults() Config {
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = 3 * time.Second
	}
	if c.IdentityTimeout <= 0 {
		c.IdentityTimeout = 10 * time.Second
	}
	if c.PendingQueueSize <= 0 {
		c.PendingQueueSize = 128
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	if c.Logger == nil {
		c.Logger = logging.NewNop()
	}
	return c
}

type Conn struct {
	cfg  Config
	sink RenderingSink

	state atomic.Int32

	mu          sync.Mutex
	conn        *websocket.Conn
	participant domain.Participant
	lastSeq     uint64
	epoch       string
	pending     [][]byte
	lostAt      time.Time
	err         error

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// Dial connects, joins and waits until the initial replay has been rendered.
func Dial(ctx context.Context, cfg Config, sink RenderingSink) (*Conn, error) {
	cfg = cfg.withDefaults()
	if sink == nil {
		sink = RenderFunc(func(ws.WSMessage) {})
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		cfg:    cfg,
		sink:   sink,
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
		ctx:    runCtx,
		cancel: cancel,
	}
	c.state.Store(int32(domain.Connecting))

	conn, err := c.dial(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	if err := c.attach(conn); err != nil {
		_ = conn.Close()
		cancel()
		return nil, err
	}

	go c.run(conn)

	select {
	case <-c.ready:
		return c, nil
	case <-c.done:
		return nil, c.Err()
	case <-ctx.Done():
		_ = c.Close()
		return nil, ctx.Err()
	}
}

func (c *Conn) State() domain.ConnState {
	return domain.ConnState(c.state.Load())
}

// Participant is the identity confirmed by the server's welcome.
func (c *Conn) Participant() domain.Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.participant
}

// LastSeq is the highest sequence number rendered so far.
func (c *Conn) LastSeq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeq
}

func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err is nil after a deliberate Leave or Close.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Conn) setStateLocked(to domain.ConnState) {
	from := domain.ConnState(c.state.Swap(int32(to)))
	if from != to && c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(from, to)
	}
}

func (c *Conn) extra(kv ...any) map[logging.ExtraKey]any {
	e := map[logging.ExtraKey]any{logging.Address: c.cfg.URL}
	for i := 0; i+1 < len(kv); i += 2 {
		e[kv[i].(logging.ExtraKey)] = kv[i+1]
	}
	return e
}

func (c *Conn) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", c.cfg.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	return conn, nil
}

// attach makes conn current and sends the join frame. After a loss the join
// resumes the identity; once IdentityTimeout has passed it asks for a full
// replay instead of only the missed events.
func (c *Conn) attach(conn *websocket.Conn) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.State() {
	case domain.Closing, domain.Closed:
		return backoff.Permanent(ErrClosed)
	}

	frame := ws.InboundFrame{
		Type: ws.InJoin,
		Participant: &ws.UserPayload{
			ID:    c.cfg.Identity.ID,
			Name:  c.cfg.Identity.Name,
			Color: c.cfg.Identity.Color,
		},
	}
	if c.participant.ID != "" {
		frame.Resume = true
		if time.Since(c.lostAt) >= c.cfg.IdentityTimeout {
			c.lastSeq = 0
			c.cfg.Logger.Info(logging.Client, logging.Reconnect, "identity timeout elapsed, requesting full replay", c.extra())
		}
		frame.LastSeq = c.lastSeq
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return backoff.Permanent(err)
	}
	c.conn = conn
	if err := c.writeLocked(context.Background(), data); err != nil {
		c.conn = nil
		return err
	}
	return nil
}

func (c *Conn) writeLocked(ctx context.Context, data []byte) error {
	if c.conn == nil {
		return domain.ErrConnectionLost
	}
	deadline := time.Now().Add(c.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Conn) run(conn *websocket.Conn) {
	defer close(c.done)

	for {
		err := c.readLoop(conn)
		_ = conn.Close()

		if !c.shouldReconnect(err) {
			c.finish(err)
			return
		}

		next, err := c.reconnect()
		if err != nil {
			c.finish(err)
			return
		}
		conn = next
	}
}

func (c *Conn) readLoop(conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.cfg.WriteTimeout))
		var netErr net.Error
		if errors.Is(err, websocket.ErrCloseSent) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return nil
		}
		return err
	})

	welcomed := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout))

		var msg ws.WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.cfg.Logger.Debug(logging.Client, logging.Decode, "dropping undecodable frame", c.extra(logging.ErrorMessage, err.Error()))
			continue
		}
		if err := c.handle(msg, &welcomed); err != nil {
			return err
		}
	}
}

func (c *Conn) handle(msg ws.WSMessage, welcomed *bool) error {
	switch msg.Type {
	case ws.Welcome:
		*welcomed = true
		if msg.Participant != nil {
			c.mu.Lock()
			c.participant = domain.Participant{
				ID:          msg.Participant.ID,
				DisplayName: msg.Participant.Name,
				Color:       msg.Participant.Color,
				Status:      domain.Online,
			}
			c.cfg.Identity.ID = msg.Participant.ID
			c.mu.Unlock()
		}
		// Sequence numbers only compare within one epoch, and a fresh join
		// restates visible state from the start.
		c.mu.Lock()
		if !msg.Resumed || msg.Epoch != c.epoch {
			c.lastSeq = 0
		}
		c.epoch = msg.Epoch
		c.mu.Unlock()

	case ws.ReplayEnd:
		c.mu.Lock()
		c.lastSeq = max(c.lastSeq, msg.Seq)
		if st := c.State(); st == domain.Connecting || st == domain.Reconnecting {
			c.flushLocked()
			c.setStateLocked(domain.Open)
		}
		c.mu.Unlock()
		c.readyOnce.Do(func() { close(c.ready) })

	case ws.ErrorEvent:
		if !*welcomed {
			return &RejectedError{Code: msg.Code, Message: msg.Error}
		}

	case ws.ReplayStart:
		// rendered as is; see RenderingSink

	default:
		if msg.Seq > 0 {
			c.mu.Lock()
			if msg.Seq <= c.lastSeq {
				c.mu.Unlock()
				return nil
			}
			c.lastSeq = msg.Seq
			c.mu.Unlock()
		}
	}

	c.sink.Render(msg)
	return nil
}

// flushLocked sends frames queued while the connection was resyncing. Frames
// that could not be written stay queued for the next connection.
func (c *Conn) flushLocked() {
	for i, data := range c.pending {
		if err := c.writeLocked(context.Background(), data); err != nil {
			c.pending = c.pending[i:]
			return
		}
	}
	c.pending = nil
}

func (c *Conn) shouldReconnect(err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.conn = nil
	prev := c.State()

	switch {
	case prev == domain.Closing || prev == domain.Closed:
		return false
	case c.participant.ID == "":
		// Never welcomed: the initial Dial reports the failure.
		return false
	}

	var rejected *RejectedError
	if errors.As(err, &rejected) {
		return false
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case ws.CloseSuperseded, ws.CloseProtocolViolated:
			return false
		}
	}

	if prev == domain.Open {
		c.lostAt = time.Now()
	}
	c.setStateLocked(domain.Reconnecting)
	c.cfg.Logger.Info(logging.Client, logging.Reconnect, "connection lost, reconnecting", c.extra(logging.ErrorMessage, err.Error()))
	return true
}

func (c *Conn) reconnect() (*websocket.Conn, error) {
	op := func() (*websocket.Conn, error) {
		if c.ctx.Err() != nil {
			return nil, backoff.Permanent(ErrClosed)
		}
		conn, err := c.dial(c.ctx)
		if err != nil {
			return nil, err
		}
		if err := c.attach(conn); err != nil {
			_ = conn.Close()
			return nil, err
		}
		return conn, nil
	}

	return backoff.Retry(c.ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(c.cfg.ReconnectInterval)),
		backoff.WithMaxElapsedTime(c.cfg.MaxReconnectTime),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.cfg.Logger.Debug(logging.Client, logging.Reconnect, "reconnect attempt failed", c.extra(
				logging.ErrorMessage, err.Error(),
				logging.Latency, next.String(),
			))
		}),
	)
}

func (c *Conn) finish(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	deliberate := c.State() == domain.Closing
	c.pending = nil
	c.conn = nil

	if !deliberate && c.err == nil {
		var rejected *RejectedError
		var closeErr *websocket.CloseError
		switch {
		case errors.As(err, &rejected):
			c.err = rejected
		case errors.As(err, &closeErr) && closeErr.Code == ws.CloseSuperseded:
			c.err = ErrSuperseded
		case err == nil:
			c.err = domain.ErrConnectionLost
		default:
			c.err = fmt.Errorf("%w: %v", domain.ErrConnectionLost, err)
		}
	}
	c.setStateLocked(domain.Closed)
	c.cancel()
}

// send writes a frame, or queues it while the connection resyncs. A full
// queue fails with domain.ErrConnectionLost.
func (c *Conn) send(ctx context.Context, frame ws.InboundFrame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.State() {
	case domain.Open:
		if err := c.writeLocked(ctx, data); err == nil {
			return nil
		}
		// The read loop notices the loss; keep the frame for the resync.
		fallthrough
	case domain.Connecting, domain.Reconnecting:
		if len(c.pending) >= c.cfg.PendingQueueSize {
			return domain.ErrConnectionLost
		}
		c.pending = append(c.pending, data)
		return nil
	default:
		return ErrClosed
	}
}

func (c *Conn) SendDraw(ctx context.Context, point domain.DrawPoint) error {
	point.ParticipantID = c.Participant().ID
	if point.Timestamp == 0 {
		point.Timestamp = time.Now().UnixMilli()
	}
	return c.send(ctx, ws.InboundFrame{Type: ws.InDraw, Point: ws.NewPointPayload(point)})
}

func (c *Conn) SendChat(ctx context.Context, text string) error {
	return c.send(ctx, ws.InboundFrame{Type: ws.InChat, Message: c.message(domain.ChatMessage{Text: text})})
}

// ShareFile announces a file already uploaded out of band.
func (c *Conn) ShareFile(ctx context.Context, ref domain.FileRef) error {
	return c.send(ctx, ws.InboundFrame{Type: ws.InFileShare, Message: c.message(domain.ChatMessage{File: &ref})})
}

func (c *Conn) Clear(ctx context.Context) error {
	return c.send(ctx, ws.InboundFrame{Type: ws.InClear})
}

func (c *Conn) message(m domain.ChatMessage) *ws.MessagePayload {
	p := c.Participant()
	m.ID = uuid.NewString()
	m.ParticipantID = p.ID
	m.ParticipantName = p.DisplayName
	m.Timestamp = time.Now().UnixMilli()
	return ws.NewMessagePayload(m)
}

// Leave tells the session this participant is gone and closes the
// connection. It never reconnects afterwards.
func (c *Conn) Leave(ctx context.Context) error {
	c.mu.Lock()
	prev := c.State()
	if prev == domain.Closing || prev == domain.Closed {
		c.mu.Unlock()
		<-c.done
		return nil
	}
	c.setStateLocked(domain.Closing)
	c.pending = nil
	conn := c.conn

	var err error
	if conn != nil {
		data, _ := json.Marshal(ws.InboundFrame{Type: ws.InLeave})
		err = c.writeLocked(ctx, data)
	}
	c.mu.Unlock()
	c.cancel()

	if conn == nil {
		<-c.done
		return nil
	}
	if err != nil {
		_ = conn.Close()
		<-c.done
		return err
	}

	// The server answers a leave with a close frame.
	timer := time.AfterFunc(c.cfg.WriteTimeout, func() { _ = conn.Close() })
	defer timer.Stop()

	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		_ = conn.Close()
		<-c.done
		return ctx.Err()
	}
}

// Close drops the transport without leaving. The server keeps the identity
// for its reconnect grace and then records the participant as gone.
func (c *Conn) Close() error {
	c.mu.Lock()
	prev := c.State()
	if prev == domain.Closing || prev == domain.Closed {
		c.mu.Unlock()
		<-c.done
		return nil
	}
	c.setStateLocked(domain.Closing)
	conn := c.conn
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		_ = conn.Close()
	}
	<-c.done
	return nil
}
