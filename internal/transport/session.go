// File: internal/transport/session.go
package transport

import (
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/taskfleet/agent/api/schemas"
)

// EventConnectError is a connection-level notification delivered to message
// subscribers when every dial attempt has been exhausted. It never appears on
// the wire.
const EventConnectError = "connect_error"

// State is the connection state of the session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

// Options bound the channel's dial and write behavior.
type Options struct {
	ConnectTimeout    time.Duration
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	WriteTimeout      time.Duration
}

func (o *Options) applyDefaults() {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.ReconnectAttempts <= 0 {
		o.ReconnectAttempts = 5
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = 2 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
}

// Session owns the single reconnecting duplex channel to the dispatcher. It
// registers the device on every transition into the connected state and
// demultiplexes inbound events through the bound Router. All state transitions
// happen here; observers subscribe via the Router and never mutate.
type Session struct {
	router *Router
	logger *zap.Logger

	mu          sync.Mutex
	initialized bool
	endpoint    string
	identity    schemas.DeviceIdentity
	opts        Options
	state       State
	conn        *websocket.Conn
	// stop is closed by Disconnect to halt an in-flight dial loop.
	stop chan struct{}
	// gen invalidates pumps and dial loops that outlive their connection.
	gen int

	// writeMu serializes frames on the shared connection.
	writeMu sync.Mutex
}

// NewSession creates a session publishing through the given router. The
// session binds itself as the router's outbound emitter.
func NewSession(router *Router, logger *zap.Logger) *Session {
	s := &Session{
		router: router,
		logger: logger.Named("transport"),
	}
	router.Bind(s)
	return s
}

// Initialize stores the endpoint, identity, and channel options. It never
// connects. A malformed endpoint is logged and kept; dialing it will simply
// never succeed.
func (s *Session) Initialize(endpoint string, identity schemas.DeviceIdentity, opts Options) {
	opts.applyDefaults()

	if u, err := url.Parse(endpoint); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		s.logger.Error("malformed dispatcher endpoint", zap.String("endpoint", endpoint))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoint = endpoint
	s.identity = identity
	s.opts = opts
	s.initialized = true
	s.logger.Info("session initialized",
		zap.String("endpoint", endpoint),
		zap.String("device_id", identity.ID))
}

// Connect initiates the channel. Idempotent: a no-op when already connecting
// or connected, and logs-and-returns when Initialize was never called.
func (s *Session) Connect() {
	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		s.logger.Error("connect called before initialize")
		return
	}
	if s.state != StateDisconnected {
		s.mu.Unlock()
		s.logger.Debug("connect ignored, session already active")
		return
	}
	s.state = StateConnecting
	s.gen++
	gen := s.gen
	stop := make(chan struct{})
	s.stop = stop
	endpoint, opts := s.endpoint, s.opts
	s.mu.Unlock()

	go s.connectLoop(gen, endpoint, opts, stop)
}

// Disconnect closes the channel and halts any dial loop in flight. Idempotent.
// The session does not reconnect afterwards until Connect is called again.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.state == StateDisconnected && s.conn == nil {
		s.mu.Unlock()
		return
	}
	s.gen++
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
	conn := s.conn
	s.conn = nil
	wasConnected := s.state == StateConnected
	s.state = StateDisconnected
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	s.logger.Info("session disconnected")
	if wasConnected {
		s.router.NotifyConnection(false)
	}
}

// UpdateEndpoint swaps the dispatcher endpoint, reconnecting with the same
// identity when currently connected.
func (s *Session) UpdateEndpoint(newEndpoint string) {
	s.mu.Lock()
	if !s.initialized || s.endpoint == newEndpoint {
		s.mu.Unlock()
		return
	}
	identity, opts := s.identity, s.opts
	reconnect := s.state != StateDisconnected
	s.mu.Unlock()

	s.logger.Info("dispatcher endpoint updated", zap.String("endpoint", newEndpoint))
	if reconnect {
		s.Disconnect()
	}
	s.Initialize(newEndpoint, identity, opts)
	if reconnect {
		s.Connect()
	}
}

// Connected reports whether the channel is up.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateConnected
}

// ConnectionState returns the current state.
func (s *Session) ConnectionState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// connectLoop dials the endpoint with bounded attempts and a fixed delay
// between them. Exhausting every attempt leaves the session disconnected and
// surfaces a connect_error notification instead of an error.
func (s *Session) connectLoop(gen int, endpoint string, opts Options, stop chan struct{}) {
	dialer := websocket.Dialer{HandshakeTimeout: opts.ConnectTimeout}

	for attempt := 1; attempt <= opts.ReconnectAttempts; attempt++ {
		select {
		case <-stop:
			s.markDisconnected(gen)
			return
		default:
		}

		conn, resp, err := dialer.Dial(endpoint, nil)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err == nil {
			if !s.adopt(gen, conn) {
				_ = conn.Close()
				return
			}
			// Registration goes out before the session is observable as
			// connected, so no heartbeat or task event can precede it.
			s.register(conn, opts.WriteTimeout)
			s.markConnected(gen)
			s.router.NotifyConnection(true)
			go s.readPump(gen, conn)
			return
		}

		s.logger.Warn("dispatcher dial failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", opts.ReconnectAttempts),
			zap.Error(err))

		if attempt < opts.ReconnectAttempts {
			select {
			case <-stop:
				s.markDisconnected(gen)
				return
			case <-time.After(opts.ReconnectDelay):
			}
		}
	}

	s.markDisconnected(gen)
	s.logger.Error("dispatcher unreachable, giving up", zap.String("endpoint", endpoint))
	data, _ := codecMarshal(schemas.ErrorPayload{Message: "dispatcher unreachable: " + endpoint})
	s.router.NotifyMessage(EventConnectError, data)
}

// adopt installs a freshly dialed connection unless the loop was superseded.
func (s *Session) adopt(gen int, conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return false
	}
	s.conn = conn
	return true
}

func (s *Session) markConnected(gen int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen == gen {
		s.state = StateConnected
	}
}

func (s *Session) markDisconnected(gen int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen == gen {
		s.state = StateDisconnected
	}
}

// register emits the device_register handshake on the raw connection.
// Fire-and-forget: the acknowledgement is forwarded to message subscribers
// for observability but never gates other traffic.
func (s *Session) register(conn *websocket.Conn, writeTimeout time.Duration) {
	s.mu.Lock()
	identity := s.identity
	s.mu.Unlock()

	payload := schemas.RegisterPayload{
		DeviceID:   identity.ID,
		DeviceName: identity.Name,
		DeviceInfo: identity.Info,
	}
	raw, err := schemas.EncodeEnvelope(schemas.EventDeviceRegister, payload)
	if err != nil {
		s.logger.Error("failed to encode registration", zap.Error(err))
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		s.logger.Error("failed to send registration", zap.Error(err))
		return
	}
	s.logger.Info("device registered", zap.String("device_id", identity.ID))
}

// readPump drains inbound frames for one physical connection and dispatches
// them through the router. A read error hands control to the reconnect path.
func (s *Session) readPump(gen int, conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.handleConnectionLoss(gen, err)
			return
		}

		env, err := schemas.DecodeEnvelope(raw)
		if err != nil {
			s.logger.Warn("discarding malformed frame", zap.Error(err))
			continue
		}

		switch env.Event {
		case schemas.EventNewTask:
			var task schemas.Task
			if err := env.DecodeData(&task); err != nil {
				s.logger.Warn("discarding malformed task assignment", zap.Error(err))
				continue
			}
			s.logger.Info("task assignment received",
				zap.String("task_id", task.ID),
				zap.String("task_type", string(task.Type)))
			s.router.NotifyTask(task)
		case schemas.EventRegisterSuccess:
			s.logger.Info("registration acknowledged")
			s.router.NotifyMessage(env.Event, env.Data)
		case schemas.EventHeartbeatAck:
			s.logger.Debug("heartbeat acknowledged")
			s.router.NotifyMessage(env.Event, env.Data)
		case schemas.EventError:
			var ep schemas.ErrorPayload
			_ = env.DecodeData(&ep)
			s.logger.Error("dispatcher error", zap.String("message", ep.Message))
			s.router.NotifyMessage(env.Event, env.Data)
		default:
			s.router.NotifyMessage(env.Event, env.Data)
		}
	}
}

// handleConnectionLoss reacts to an unexpected drop: notify subscribers and
// re-enter the bounded dial loop. Deliberate disconnects bump the generation
// first, so they never reach this path.
func (s *Session) handleConnectionLoss(gen int, err error) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.logger.Warn("connection lost", zap.Error(err))
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.state = StateConnecting
	s.gen++
	newGen := s.gen
	stop := s.stop
	endpoint, opts := s.endpoint, s.opts
	s.mu.Unlock()

	s.router.NotifyConnection(false)
	go s.connectLoop(newGen, endpoint, opts, stop)
}

// Emit sends one named event over the channel. Callers that must never see an
// error (progress/result publishing) go through the Router instead.
func (s *Session) Emit(event string, payload any) error {
	s.mu.Lock()
	conn := s.conn
	connected := s.state == StateConnected
	timeout := s.opts.WriteTimeout
	s.mu.Unlock()

	if !connected || conn == nil {
		return fmt.Errorf("cannot emit %q: not connected", event)
	}

	raw, err := schemas.EncodeEnvelope(event, payload)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(timeout))
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("failed to emit %q: %w", event, err)
	}
	return nil
}

// SendHeartbeat emits one liveness beacon. A no-op when disconnected; the
// caller owns the cadence.
func (s *Session) SendHeartbeat() {
	s.mu.Lock()
	connected := s.state == StateConnected
	deviceID := s.identity.ID
	s.mu.Unlock()

	if !connected {
		return
	}
	payload := schemas.HeartbeatPayload{DeviceID: deviceID, Timestamp: time.Now().UnixMilli()}
	if err := s.Emit(schemas.EventHeartbeat, payload); err != nil {
		s.logger.Warn("heartbeat failed", zap.Error(err))
		return
	}
	s.logger.Debug("heartbeat sent")
}
