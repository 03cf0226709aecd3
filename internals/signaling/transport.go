package signaling

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tabitabe/multiparty-meeting/internals/metrics"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RequestHandler serves one inbound request method. The returned value is
// marshalled into the reply; a non-nil error produces an error reply instead.
type RequestHandler func(data json.RawMessage) (interface{}, error)

// NotificationHandler serves one inbound fire-and-forget method.
type NotificationHandler func(data json.RawMessage)

// SendFunc hands an envelope to the underlying connection. It must not block
// indefinitely; queue-full conditions should be reported as an error.
type SendFunc func(*Envelope) error

type pendingRequest struct {
	method  string
	created time.Time
	timer   *time.Timer
	done    chan requestResult
}

type requestResult struct {
	data json.RawMessage
	err  error
}

// Transport multiplexes request/response and notifications over one
// connection. Every outstanding request owns exactly one timer and resolves
// exactly once: first of reply, application error, or deadline wins, and
// later arrivals for the same correlation token are discarded.
type Transport struct {
	send    SendFunc
	timeout time.Duration
	logger  *zap.Logger
	limiter *rate.Limiter

	mu            sync.Mutex
	pending       map[string]*pendingRequest
	reqHandlers   map[string]RequestHandler
	notifHandlers map[string]NotificationHandler
	closed        bool
}

func NewTransport(send SendFunc, timeout time.Duration, logger *zap.Logger) *Transport {
	return &Transport{
		send:          send,
		timeout:       timeout,
		logger:        logger,
		pending:       make(map[string]*pendingRequest),
		reqHandlers:   make(map[string]RequestHandler),
		notifHandlers: make(map[string]NotificationHandler),
	}
}

// SetRateLimiter installs a limiter applied to inbound requests and
// notifications. Over-budget requests get an advisory error reply.
func (t *Transport) SetRateLimiter(l *rate.Limiter) {
	t.mu.Lock()
	t.limiter = l
	t.mu.Unlock()
}

// HandleRequest registers the handler for an inbound request method.
func (t *Transport) HandleRequest(method string, handler RequestHandler) {
	t.mu.Lock()
	t.reqHandlers[method] = handler
	t.mu.Unlock()
}

// HandleNotification registers the handler for an inbound notification method.
func (t *Transport) HandleNotification(method string, handler NotificationHandler) {
	t.mu.Lock()
	t.notifHandlers[method] = handler
	t.mu.Unlock()
}

// Request sends a correlated request and blocks until the first of: a reply,
// an application error, or the configured timeout. If the connection is
// already gone it fails with ErrConnectionClosed without arming a timer.
func (t *Transport) Request(method string, payload interface{}) (json.RawMessage, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrConnectionClosed
	}

	data, err := marshalPayload(payload)
	if err != nil {
		t.mu.Unlock()
		return nil, err
	}

	id := uuid.New().String()
	p := &pendingRequest{
		method:  method,
		created: time.Now(),
		done:    make(chan requestResult, 1),
	}
	p.timer = time.AfterFunc(t.timeout, func() {
		metrics.RecordRequestTimeout()
		t.resolve(id, nil, ErrRequestTimeout)
	})
	t.pending[id] = p
	t.mu.Unlock()

	metrics.RecordRequest(method)

	env := &Envelope{ID: id, Method: method, Data: data}
	if err := t.send(env); err != nil {
		t.resolve(id, nil, ErrConnectionClosed)
	}

	res := <-p.done
	return res.data, res.err
}

// Notify sends a fire-and-forget notification. There is no delivery
// guarantee; failures are logged, never surfaced to the caller.
func (t *Transport) Notify(method string, payload interface{}) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		metrics.RecordNotificationDropped()
		return
	}

	data, err := marshalPayload(payload)
	if err != nil {
		t.logger.Error("Failed to marshal notification",
			zap.String("method", method),
			zap.Error(err),
		)
		return
	}

	metrics.NotificationsSentTotal.Inc()

	if err := t.send(&Envelope{Method: method, Data: data}); err != nil {
		metrics.RecordNotificationDropped()
		t.logger.Debug("Notification not delivered",
			zap.String("method", method),
			zap.Error(err),
		)
	}
}

// HandleIncoming dispatches one envelope read from the connection. Requests
// and notifications run synchronously on the caller's goroutine so that each
// connection's messages are processed in arrival order.
func (t *Transport) HandleIncoming(env *Envelope) {
	switch {
	case env.Response:
		if env.OK {
			t.resolve(env.ID, env.Data, nil)
		} else {
			t.mu.Lock()
			p, ok := t.pending[env.ID]
			t.mu.Unlock()
			if !ok {
				return
			}
			t.resolve(env.ID, nil, &RequestError{Method: p.method, Reason: env.Error})
		}

	case env.IsRequest():
		t.dispatchRequest(env)

	case env.IsNotification():
		t.dispatchNotification(env)

	default:
		t.logger.Debug("Dropping malformed envelope")
	}
}

func (t *Transport) dispatchRequest(env *Envelope) {
	t.mu.Lock()
	handler, ok := t.reqHandlers[env.Method]
	limiter := t.limiter
	t.mu.Unlock()

	if limiter != nil && !limiter.Allow() {
		metrics.RateLimitedTotal.Inc()
		t.reply(env.ID, nil, "rate limit exceeded")
		return
	}

	if !ok {
		t.logger.Debug("Unknown request method", zap.String("method", env.Method))
		t.reply(env.ID, nil, "unknown method: "+env.Method)
		return
	}

	result, err := handler(env.Data)
	if err != nil {
		t.reply(env.ID, nil, err.Error())
		return
	}

	data, err := marshalPayload(result)
	if err != nil {
		t.logger.Error("Failed to marshal reply",
			zap.String("method", env.Method),
			zap.Error(err),
		)
		t.reply(env.ID, nil, "internal error")
		return
	}
	t.reply(env.ID, data, "")
}

func (t *Transport) dispatchNotification(env *Envelope) {
	t.mu.Lock()
	handler, ok := t.notifHandlers[env.Method]
	limiter := t.limiter
	t.mu.Unlock()

	if limiter != nil && !limiter.Allow() {
		metrics.RateLimitedTotal.Inc()
		return
	}
	if !ok {
		t.logger.Debug("Unknown notification method", zap.String("method", env.Method))
		return
	}
	handler(env.Data)
}

func (t *Transport) reply(id string, data json.RawMessage, errMsg string) {
	env := &Envelope{ID: id, Response: true, OK: errMsg == "", Data: data, Error: errMsg}
	if err := t.send(env); err != nil {
		t.logger.Debug("Failed to send reply", zap.String("id", id), zap.Error(err))
	}
}

// resolve completes a pending request at most once. Whichever of reply,
// error, or timeout gets here first wins; the rest find no entry and return.
func (t *Transport) resolve(id string, data json.RawMessage, err error) {
	t.mu.Lock()
	p, ok := t.pending[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.pending, id)
	t.mu.Unlock()

	p.timer.Stop()
	metrics.ObserveRequestDuration(p.method, time.Since(p.created).Seconds())
	p.done <- requestResult{data: data, err: err}
}

// Close fails all outstanding requests with ErrConnectionClosed and rejects
// any further Request/Notify calls. Idempotent.
func (t *Transport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	pending := t.pending
	t.pending = make(map[string]*pendingRequest)
	t.mu.Unlock()

	for _, p := range pending {
		p.timer.Stop()
		p.done <- requestResult{err: ErrConnectionClosed}
	}
}

// Closed reports whether the transport has been closed.
func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func marshalPayload(payload interface{}) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	default:
		return json.Marshal(payload)
	}
}
