package ws

import (
	"context"
	"errors"
	"iter"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/studiocdz/collaborative-editor/internal/domain"
	"github.com/studiocdz/collaborative-editor/internal/infrastructure/logging"
)

type DetachCause int

const (
	// CauseLeave follows a deliberate leave frame.
	CauseLeave DetachCause = iota
	// CauseIdle follows a failed liveness probe.
	CauseIdle
	// CauseTransport follows any other connection loss.
	CauseTransport
)

// FrameLimiter throttles inbound frames per participant.
type FrameLimiter interface {
	Allow(key string) (bool, time.Duration)
}

type ClientConfig struct {
	QueueSize     int
	MaxFrameBytes int
	PingInterval  time.Duration
	IdleTimeout   time.Duration
	WriteTimeout  time.Duration
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = 32 << 10
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.IdleTimeout {
		c.PingInterval = c.IdleTimeout / 2
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}

// outbound is one queue item: a single live frame or a whole replay burst.
type outbound struct {
	frame  *websocket.PreparedMessage
	replay *replayBurst
}

type replayBurst struct {
	welcome *WSMessage
	from    uint64
	to      uint64
	users   []UserPayload
	events  iter.Seq[domain.SessionEvent]
}

// Client is the server side of one participant connection.
type Client struct {
	ID        string
	SessionID string

	conn    *connWrapper
	send    chan outbound
	cfg     ClientConfig
	limiter FrameLimiter
	logger  logging.Logger

	participant atomic.Value // string, set once the join is accepted
	// identityHint is used when a join frame carries no id.
	identityHint string
	state       atomic.Int32

	closeOnce   sync.Once
	closed      chan struct{}
	closeCode   int
	closeReason string
}

func NewClient(conn *websocket.Conn, sessionID string, cfg ClientConfig, limiter FrameLimiter, logger logging.Logger) *Client {
	cfg = cfg.withDefaults()
	c := &Client{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		conn:      newConnWrapper(conn, cfg.WriteTimeout),
		send:      make(chan outbound, cfg.QueueSize),
		cfg:       cfg,
		limiter:   limiter,
		logger:    logger,
		closed:    make(chan struct{}),
	}
	c.state.Store(int32(domain.Connecting))
	return c
}

// SetIdentityHint remembers the id recovered from the upgrade request. Call it
// before the pumps start.
func (c *Client) SetIdentityHint(participantID string) {
	c.identityHint = participantID
}

func (c *Client) State() domain.ConnState {
	return domain.ConnState(c.state.Load())
}

func (c *Client) ParticipantID() string {
	id, _ := c.participant.Load().(string)
	return id
}

func (c *Client) Done() <-chan struct{} {
	return c.closed
}

// Close starts the closing handshake. The write pump sends the close frame
// and releases the socket.
func (c *Client) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		c.state.Store(int32(domain.Closing))
		close(c.closed)
	})
}

func (c *Client) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// enqueue never blocks. It reports false when the queue is full.
func (c *Client) enqueue(item outbound) bool {
	if c.IsClosed() {
		return true
	}
	select {
	case c.send <- item:
		return true
	default:
		return false
	}
}

func (c *Client) sendMessage(msg *WSMessage) {
	pm, err := prepare(msg)
	if err != nil {
		return
	}
	if !c.enqueue(outbound{frame: pm}) {
		c.Close(CloseResyncRequired, "outbound queue full")
	}
}

func (c *Client) extra() map[logging.ExtraKey]any {
	return map[logging.ExtraKey]any{
		logging.SessionID:     c.SessionID,
		logging.ConnectionID:  c.ID,
		logging.ParticipantID: c.ParticipantID(),
	}
}

// ReadMessage is the read pump. It returns when the connection is gone and
// always reports the detach to the core.
func (c *Client) ReadMessage(ctx context.Context, core *Core) {
	cause := CauseTransport
	defer func() {
		core.Detach(c, cause)
		c.Close(websocket.CloseNormalClosure, "")
		c.closeSocketAfter(c.cfg.WriteTimeout)
	}()

	raw := c.conn.conn
	raw.SetReadLimit(int64(c.cfg.MaxFrameBytes) * 4)
	_ = raw.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout))
	raw.SetPongHandler(func(string) error {
		return raw.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout))
	})

	for {
		_, data, err := raw.ReadMessage()
		if err != nil {
			cause = c.classify(err)
			return
		}
		_ = raw.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout))

		if len(data) == 0 {
			continue
		}
		if len(data) > c.cfg.MaxFrameBytes {
			c.sendMessage(NewError(domain.ErrMalformedPayload))
			continue
		}

		cmd, err := DecodeInbound(data)
		if err != nil {
			c.logger.Debug(logging.WebSocket, logging.Decode, "dropping malformed frame", c.extraWith(logging.ErrorMessage, err.Error()))
			c.sendMessage(NewError(err))
			continue
		}

		left, stop := c.handle(ctx, core, cmd)
		if left {
			cause = CauseLeave
		}
		if stop {
			return
		}
	}
}

func (c *Client) handle(ctx context.Context, core *Core, cmd Command) (left, stop bool) {
	if cmd.Kind == domain.KindJoin {
		if c.ParticipantID() != "" {
			return false, c.reject(domain.ErrDuplicateJoin)
		}
		join := *cmd.Join
		if join.ID == "" && c.identityHint != "" {
			join.ID, join.Hinted = c.identityHint, true
		}
		p, err := core.Attach(ctx, c, join)
		if err != nil {
			return false, c.reject(err)
		}
		c.participant.Store(p.ID)
		c.state.Store(int32(domain.Open))
		return false, false
	}

	participantID := c.ParticipantID()
	if participantID == "" {
		return false, c.reject(domain.ErrUnknownParticipant)
	}

	if c.limiter != nil && cmd.Kind != domain.KindLeave {
		if ok, _ := c.limiter.Allow(c.SessionID + ":" + participantID); !ok {
			c.sendMessage(NewRateLimited(true))
			return false, false
		}
	}

	if _, err := core.Submit(ctx, participantID, cmd); err != nil {
		return false, c.reject(err)
	}

	if cmd.Kind == domain.KindLeave {
		c.Close(websocket.CloseNormalClosure, "left")
		return true, true
	}
	return false, false
}

// reject reports err to the peer and says whether the connection must close.
func (c *Client) reject(err error) bool {
	switch {
	case errors.Is(err, domain.ErrSessionClosed):
		c.Close(websocket.CloseGoingAway, "session closed")
		return true
	case domain.IsProtocolViolation(err):
		c.logger.Warn(logging.WebSocket, logging.Decode, "protocol violation", c.extraWith(logging.ErrorMessage, err.Error()))
		c.sendMessage(NewError(err))
		c.Close(CloseProtocolViolated, domain.RejectReason(err))
		return true
	case errors.Is(err, domain.ErrSessionOwnedElsewhere):
		c.sendMessage(NewError(err))
		c.Close(websocket.CloseTryAgainLater, domain.RejectReason(err))
		return true
	default:
		c.sendMessage(NewError(err))
		return false
	}
}

func (c *Client) classify(err error) DetachCause {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		c.logger.Info(logging.WebSocket, logging.Liveness, "liveness probe failed", c.extra())
		return CauseIdle
	}
	if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
		c.logger.Debug(logging.WebSocket, logging.Transport, "unexpected close", c.extraWith(logging.ErrorMessage, err.Error()))
	}
	return CauseTransport
}

// WriteMessage is the write pump: it drains the queue, pings on an interval
// and performs the closing handshake.
func (c *Client) WriteMessage() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		c.state.Store(int32(domain.Closed))
	}()

	for {
		select {
		case item := <-c.send:
			if err := c.write(item); err != nil {
				c.logger.Debug(logging.WebSocket, logging.Transport, "write failed", c.extraWith(logging.ErrorMessage, err.Error()))
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}

		case <-ticker.C:
			if err := c.conn.Ping(); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}

		case <-c.closed:
			c.drain()
			if c.closeCode != websocket.CloseAbnormalClosure {
				_ = c.conn.WriteClose(c.closeCode, c.closeReason)
			}
			return
		}
	}
}

// drain flushes frames queued before Close, such as a final error frame.
func (c *Client) drain() {
	for {
		select {
		case item := <-c.send:
			if item.replay != nil {
				continue
			}
			if err := c.write(item); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) write(item outbound) error {
	if item.frame != nil {
		return c.conn.WritePrepared(item.frame)
	}

	burst := item.replay
	if burst.welcome != nil {
		if err := c.conn.WriteJSON(burst.welcome); err != nil {
			return err
		}
	}
	if err := c.conn.WriteJSON(NewReplayStart(burst.from, burst.to, burst.users)); err != nil {
		return err
	}
	for ev := range burst.events {
		if c.IsClosed() {
			return nil
		}
		if err := c.conn.WriteJSON(ReplayMessage(ev, burst.users)); err != nil {
			return err
		}
	}
	return c.conn.WriteJSON(NewReplayEnd(burst.to))
}

// closeSocketAfter bounds how long a peer may take to finish the closing
// handshake before the socket is released.
func (c *Client) closeSocketAfter(d time.Duration) {
	time.AfterFunc(d, func() { _ = c.conn.Close() })
}

func (c *Client) extraWith(k logging.ExtraKey, v any) map[logging.ExtraKey]any {
	e := c.extra()
	e[k] = v
	return e
}
