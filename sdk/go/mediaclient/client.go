// Package mediaclient is the Go client library for the mediad IPC protocol.
//
// Every call is asynchronous: Call returns a Result that completes when the
// daemon answers. Op adapts a call into a chain.Op so dependent calls can be
// composed with package chain, and Sync offers blocking wrappers for simple
// programs.
package mediaclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"mediad/pkg/chain"
	"mediad/pkg/value"
	"mediad/pkg/wire"
)

// DefaultDialTimeout bounds connection setup when ctx carries no deadline.
const DefaultDialTimeout = 5 * time.Second

// ErrClosed is returned for calls on a closed or disconnected client.
var ErrClosed = errors.New("mediaclient: connection closed")

// RemoteError is a failure reported by the daemon.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("mediad error: %s - %s", e.Code, e.Message)
	}
	return "mediad error: " + e.Message
}

// CodeOf returns the daemon error code carried by err, or "".
func CodeOf(err error) string {
	var remote *RemoteError
	if errors.As(err, &remote) {
		return remote.Code
	}
	return ""
}

// Result is the pending answer to one request.
type Result struct {
	cookie uint32
	done   chan struct{}
	once   sync.Once
	value  value.Value
	err    error
}

func newResult(cookie uint32) *Result {
	return &Result{cookie: cookie, done: make(chan struct{})}
}

func (r *Result) complete(v value.Value, err error) {
	r.once.Do(func() {
		r.value, r.err = v, err
		close(r.done)
	})
}

// Cookie returns the request cookie.
func (r *Result) Cookie() uint32 { return r.cookie }

// Done is closed when the answer arrived or the connection failed.
func (r *Result) Done() <-chan struct{} { return r.done }

// Value returns the answer. It is only meaningful after Done is closed.
func (r *Result) Value() (value.Value, error) {
	select {
	case <-r.done:
		return r.value, r.err
	default:
		return value.None(), errors.New("mediaclient: result pending")
	}
}

// Wait blocks until the answer arrives or ctx ends.
func (r *Result) Wait(ctx context.Context) (value.Value, error) {
	select {
	case <-r.done:
		return r.value, r.err
	case <-ctx.Done():
		return value.None(), ctx.Err()
	}
}

// Subscription delivers property changes of one object.
type Subscription struct {
	cookie   uint32
	object   uint32
	property string
	fn       func(property string, v value.Value)
}

// Property returns the subscribed property name.
func (s *Subscription) Property() string { return s.property }

// Client is a connection to the daemon. It is safe for concurrent use.
type Client struct {
	conn   net.Conn
	writer *wire.Writer

	mu      sync.Mutex
	next    uint32
	pending map[uint32]*Result
	subs    map[uint32]*Subscription
	err     error
	done    chan struct{}
}

// Option configures Dial.
type Option func(*dialOptions)

type dialOptions struct {
	dialer *net.Dialer
	hello  bool
}

// WithDialer overrides the network dialer.
func WithDialer(d *net.Dialer) Option {
	return func(o *dialOptions) {
		if d != nil {
			o.dialer = d
		}
	}
}

// WithoutHello skips the protocol handshake.
func WithoutHello() Option {
	return func(o *dialOptions) { o.hello = false }
}

// Dial connects to addr (unix:///path or tcp://host:port) and announces the
// client under name.
func Dial(ctx context.Context, addr, name string, opts ...Option) (*Client, error) {
	o := dialOptions{dialer: &net.Dialer{Timeout: DefaultDialTimeout}, hello: true}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	network, address, err := parseAddress(addr)
	if err != nil {
		return nil, err
	}
	nc, err := o.dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("mediaclient: dial %s: %w", addr, err)
	}
	c := NewClient(nc)
	if o.hello {
		if _, err := c.Call(ctx, wire.ObjectMain, wire.CmdHello,
			value.UInt32(wire.ProtocolVersion), value.String(name)).Wait(ctx); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("mediaclient: hello: %w", err)
		}
	}
	return c, nil
}

// NewClient wraps an established connection and starts reading from it.
func NewClient(nc net.Conn) *Client {
	c := &Client{
		conn:    nc,
		writer:  wire.NewWriter(nc),
		pending: make(map[uint32]*Result),
		subs:    make(map[uint32]*Subscription),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func parseAddress(addr string) (string, string, error) {
	switch {
	case strings.HasPrefix(addr, "unix://"):
		return "unix", strings.TrimPrefix(addr, "unix://"), nil
	case strings.HasPrefix(addr, "tcp://"):
		return "tcp", strings.TrimPrefix(addr, "tcp://"), nil
	default:
		return "", "", fmt.Errorf("mediaclient: unsupported address %q", addr)
	}
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns why the connection ended, or nil while it is alive.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close disconnects. Pending results fail with ErrClosed.
func (c *Client) Close() error {
	err := c.conn.Close()
	<-c.done
	return err
}

// register reserves a cookie. Cookie 0 is never used.
func (c *Client) register() (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	c.next++
	if c.next == 0 {
		c.next = 1
	}
	r := newResult(c.next)
	c.pending[r.cookie] = r
	return r, nil
}

func (c *Client) forget(cookie uint32) {
	c.mu.Lock()
	delete(c.pending, cookie)
	c.mu.Unlock()
}

func (c *Client) sendMessage(r *Result, msg wire.Message) *Result {
	msg.Cookie = r.cookie
	if err := c.writer.Write(msg); err != nil {
		c.forget(r.cookie)
		r.complete(value.None(), fmt.Errorf("mediaclient: send: %w", err))
	}
	return r
}

// Call sends a command. ctx only bounds the write; use Result.Wait to bound
// the answer.
func (c *Client) Call(ctx context.Context, object, command uint32, args ...value.Value) *Result {
	r, err := c.register()
	if err != nil {
		failed := newResult(0)
		failed.complete(value.None(), err)
		return failed
	}
	if err := ctx.Err(); err != nil {
		c.forget(r.cookie)
		r.complete(value.None(), err)
		return r
	}
	return c.sendMessage(r, wire.Message{Kind: wire.KindRequest, Object: object, Command: command, Args: args})
}

// Op adapts a call into a chain operation.
func (c *Client) Op(object, command uint32, args ...value.Value) chain.Op {
	return func(ctx context.Context, done chain.Done) {
		r := c.Call(ctx, object, command, args...)
		go func() {
			select {
			case <-r.Done():
				done(r.Value())
			case <-ctx.Done():
				done(value.None(), ctx.Err())
			}
		}()
	}
}

// Command returns a constructor of calls to one command, suitable for
// chain.Bind.
//
//	chain.New(c.Op(wire.ObjectOutput, wire.CmdVolumeGet)).
//		Then(chain.Bind(c.Command(wire.ObjectOutput, wire.CmdVolumeSet), chain.Lit(ch), chain.Prev))
func (c *Client) Command(object, command uint32) func(args ...value.Value) chain.Op {
	return func(args ...value.Value) chain.Op {
		return c.Op(object, command, args...)
	}
}

// Subscribe asks the daemon for changes of property on object. fn runs on
// the client's read goroutine and must not block.
func (c *Client) Subscribe(ctx context.Context, object uint32, property string, fn func(property string, v value.Value)) (*Subscription, error) {
	r, err := c.register()
	if err != nil {
		return nil, err
	}
	sub := &Subscription{cookie: r.cookie, object: object, property: property, fn: fn}
	c.mu.Lock()
	c.subs[r.cookie] = sub
	c.mu.Unlock()

	c.sendMessage(r, wire.Message{Kind: wire.KindSubscribe, Object: object, Property: property})
	if _, err := r.Wait(ctx); err != nil {
		c.mu.Lock()
		delete(c.subs, r.cookie)
		c.mu.Unlock()
		return nil, err
	}
	return sub, nil
}

// Unsubscribe cancels sub. No callback runs after it returns successfully.
func (c *Client) Unsubscribe(ctx context.Context, sub *Subscription) error {
	c.mu.Lock()
	delete(c.subs, sub.cookie)
	c.mu.Unlock()

	r, err := c.register()
	if err != nil {
		return err
	}
	c.sendMessage(r, wire.Message{Kind: wire.KindUnsubscribe, Object: sub.object, Property: sub.property, Value: value.UInt32(sub.cookie)})
	_, err = r.Wait(ctx)
	return err
}

func (c *Client) readLoop() {
	reader := wire.NewReader(c.conn, 0)
	var err error
	for {
		var msg wire.Message
		msg, err = reader.Read()
		if err != nil {
			break
		}
		c.dispatch(msg)
	}
	c.fail(err)
}

func (c *Client) dispatch(msg wire.Message) {
	switch msg.Kind {
	case wire.KindBroadcast:
		c.mu.Lock()
		sub := c.subs[msg.Cookie]
		c.mu.Unlock()
		if sub != nil && sub.fn != nil {
			sub.fn(msg.Property, msg.Value)
		}
	case wire.KindReply, wire.KindError:
		c.mu.Lock()
		r := c.pending[msg.Cookie]
		delete(c.pending, msg.Cookie)
		c.mu.Unlock()
		if r == nil {
			return
		}
		if msg.Kind == wire.KindError {
			r.complete(value.None(), &RemoteError{Code: msg.Code, Message: msg.Error})
			return
		}
		r.complete(msg.Value, nil)
	}
}

func (c *Client) fail(cause error) {
	c.mu.Lock()
	c.err = ErrClosed
	if cause != nil && !errors.Is(cause, net.ErrClosed) {
		c.err = fmt.Errorf("%w: %v", ErrClosed, cause)
	}
	pending := c.pending
	c.pending = make(map[uint32]*Result)
	c.subs = make(map[uint32]*Subscription)
	err := c.err
	c.mu.Unlock()

	for _, r := range pending {
		r.complete(value.None(), err)
	}
	close(c.done)
}
