package leap

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Header is the envelope header shared by every LEAP request, response and
// unsolicited notification (§4.3).
type Header struct {
	ClientTag       string `json:"ClientTag,omitempty"`
	Url             string `json:"Url"`
	MessageBodyType string `json:"MessageBodyType,omitempty"`
	StatusCode      string `json:"StatusCode,omitempty"`
}

// Envelope is the full LEAP message envelope (§4.3).
type Envelope struct {
	CommuniqueType string          `json:"CommuniqueType"`
	Header         Header          `json:"Header"`
	Body           json.RawMessage `json:"Body,omitempty"`
}

// statusCode parses the numeric prefix of a "200 OK"-style StatusCode.
func (e Envelope) statusCode() int {
	if e.Header.StatusCode == "" {
		return 0
	}
	fields := strings.SplitN(e.Header.StatusCode, " ", 2)
	n, _ := strconv.Atoi(fields[0])
	return n
}

func (e Envelope) isSuccess() bool {
	code := e.statusCode()
	return code == 0 || (code >= 200 && code < 300)
}

// subscriberFunc is invoked once per unsolicited Envelope matching a
// subscription's URL, always from the Requester's own dispatch goroutine.
type subscriberFunc func(Envelope)

// Requester correlates LEAP requests to responses by client-assigned tag
// and routes unsolicited envelopes to URL subscribers (§4.3). It owns no
// transport of its own; it drives a Connection's Lines() channel.
type Requester struct {
	conn    *Connection
	logger  *logrus.Logger
	timeout time.Duration

	mu          sync.Mutex
	nextTag     uint64
	pending     map[string]chan Envelope
	nextSubID   uint64
	subscribers map[string]map[uint64]subscriberFunc

	closeOnce sync.Once
	closed    chan struct{}
}

// NewRequester wraps conn and starts its dispatch goroutine. timeout is the
// default per-request wait before TimeoutError; it may be overridden per
// call via DoWithTimeout.
func NewRequester(conn *Connection, timeout time.Duration, logger *logrus.Logger) *Requester {
	if logger == nil {
		logger = logrus.New()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	r := &Requester{
		conn:        conn,
		logger:      logger,
		timeout:     timeout,
		pending:     make(map[string]chan Envelope),
		subscribers: make(map[string]map[uint64]subscriberFunc),
		closed:      make(chan struct{}),
	}
	goRoutine(context.Background(), "leap-requester-dispatch", logger, func(_ context.Context) {
		r.dispatchLoop()
	})
	return r
}

func (r *Requester) dispatchLoop() {
	defer r.teardown()
	for line := range r.conn.Lines() {
		if line.Err != nil {
			r.logger.WithError(line.Err).Warn("leap: connection error, tearing down requester")
			return
		}
		var env Envelope
		if err := json.Unmarshal(line.Data, &env); err != nil {
			r.logger.WithError(err).Debug("leap: dropping unparsable envelope")
			continue
		}
		r.route(env)
	}
}

func (r *Requester) route(env Envelope) {
	if env.Header.ClientTag != "" {
		r.mu.Lock()
		ch, ok := r.pending[env.Header.ClientTag]
		if ok {
			delete(r.pending, env.Header.ClientTag)
		}
		r.mu.Unlock()
		if ok {
			ch <- env
			return
		}
		// No pending awaiter (cancelled, or tag reused by another firmware
		// quirk) — fall through to URL routing in case a subscriber also
		// wants to see it.
	}

	r.mu.Lock()
	handlers := make([]subscriberFunc, 0, 1)
	for _, h := range r.subscribers[env.Header.Url] {
		handlers = append(handlers, h)
	}
	r.mu.Unlock()

	if len(handlers) == 0 {
		// Open Question (b): unknown URL, or arrived before bootstrap
		// finished wiring subscriptions. Either way: log and drop.
		r.logger.WithField("url", env.Header.Url).Debug("leap: dropping unsolicited message with no subscriber")
		return
	}
	for _, h := range handlers {
		r.invokeSubscriber(h, env)
	}
}

// invokeSubscriber calls h and recovers from a panic so one failing
// observer never disrupts delivery to its peers (§4.4, §7).
func (r *Requester) invokeSubscriber(h subscriberFunc, env Envelope) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.WithField("panic", rec).Error("leap: subscriber callback panicked")
		}
	}()
	h(env)
}

// teardown resolves every outstanding awaiter with ErrConnectionClosed.
// Closing r.closed (rather than writing a synthetic envelope into each
// pending channel) is what Do's select actually keys off; the pending
// channels themselves are just dropped for GC; nothing reads them again
// once removed from r.pending.
func (r *Requester) teardown() {
	r.closeOnce.Do(func() {
		close(r.closed)
	})
	r.mu.Lock()
	r.pending = make(map[string]chan Envelope)
	r.mu.Unlock()
}

// Do sends a request and blocks until its response arrives, the context is
// cancelled, the per-request timeout elapses, or the connection closes.
// A non-2xx StatusCode surfaces as *BridgeError; it does not tear down the
// connection.
func (r *Requester) Do(ctx context.Context, communiqueType, url string, body any) (Envelope, error) {
	return r.DoWithTimeout(ctx, communiqueType, url, body, r.timeout)
}

// DoWithTimeout is Do with an explicit per-call timeout, used by pairing
// and bootstrap steps that need a tighter or looser bound than the
// Requester's default.
func (r *Requester) DoWithTimeout(ctx context.Context, communiqueType, url string, body any, timeout time.Duration) (Envelope, error) {
	select {
	case <-r.closed:
		return Envelope{}, ErrConnectionClosed
	default:
	}

	tag := r.allocateTag()
	respCh := make(chan Envelope, 1)
	r.mu.Lock()
	r.pending[tag] = respCh
	r.mu.Unlock()

	removePending := func() {
		r.mu.Lock()
		delete(r.pending, tag)
		r.mu.Unlock()
	}

	var bodyRaw json.RawMessage
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			removePending()
			return Envelope{}, fmt.Errorf("leap: encode request body: %w", err)
		}
		bodyRaw = encoded
	}

	req := Envelope{
		CommuniqueType: communiqueType,
		Header:         Header{ClientTag: tag, Url: url},
		Body:           bodyRaw,
	}
	data, err := json.Marshal(req)
	if err != nil {
		removePending()
		return Envelope{}, fmt.Errorf("leap: encode request: %w", err)
	}

	if err := r.conn.WriteLine(data); err != nil {
		removePending()
		return Envelope{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		removePending()
		return Envelope{}, ctx.Err()
	case <-timer.C:
		removePending()
		return Envelope{}, &TimeoutError{URL: url}
	case <-r.closed:
		removePending()
		return Envelope{}, ErrConnectionClosed
	case resp := <-respCh:
		if !resp.isSuccess() {
			return resp, &BridgeError{Code: resp.statusCode(), URL: url}
		}
		return resp, nil
	}
}

func (r *Requester) allocateTag() string {
	n := atomic.AddUint64(&r.nextTag, 1)
	return strconv.FormatUint(n, 10)
}

// Subscribe sends a SubscribeRequest to url and registers handler to
// receive every subsequent untagged notification on the same URL (§4.3).
// The SubscribeResponse itself is returned to the caller and is not passed
// to handler. The returned function unregisters the handler; it does not
// cancel the bridge-side subscription.
func (r *Requester) Subscribe(ctx context.Context, url string, handler func(Envelope)) (Envelope, func(), error) {
	r.mu.Lock()
	id := r.nextSubID
	r.nextSubID++
	if r.subscribers[url] == nil {
		r.subscribers[url] = make(map[uint64]subscriberFunc)
	}
	r.subscribers[url][id] = handler
	r.mu.Unlock()

	unsubscribe := func() {
		r.mu.Lock()
		delete(r.subscribers[url], id)
		if len(r.subscribers[url]) == 0 {
			delete(r.subscribers, url)
		}
		r.mu.Unlock()
	}

	resp, err := r.Do(ctx, "SubscribeRequest", url, nil)
	if err != nil {
		unsubscribe()
		return Envelope{}, nil, err
	}
	return resp, unsubscribe, nil
}

// Close closes the underlying connection and resolves every pending
// request with ErrConnectionClosed.
func (r *Requester) Close() error {
	return r.conn.Close()
}

// Done returns a channel that closes once the dispatch loop has torn down
// (the connection closed or hit a fatal read error). The Bridge supervisor
// waits on it to know when to reconnect.
func (r *Requester) Done() <-chan struct{} {
	return r.closed
}
