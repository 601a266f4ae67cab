// Package mock provides test doubles for the live package interfaces.
//
// Use Provider to verify Connect calls and hand out scriptable connections.
// Use Conn to drive server events (open, messages, errors, remote close) and
// inspect what the session manager sent.
//
// Example:
//
//	p := &mock.Provider{AutoOpen: true}
//	conn, _ := p.Connect(ctx, cfg, callbacks)
//	c := p.LastConn()
//	c.Emit(live.ServerMessage{InputTranscript: "hello"})
//	c.Emit(live.ServerMessage{TurnComplete: true})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voicecoach/pkg/provider/live"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Cfg is the SessionConfig passed to Connect.
	Cfg live.SessionConfig
}

// Provider is a mock implementation of live.Provider.
type Provider struct {
	mu sync.Mutex

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// AutoOpen fires OnOpen synchronously before Connect returns when true.
	// Otherwise the test calls Conn.Open.
	AutoOpen bool

	// Gate, if non-nil, makes Connect block until the channel is closed or
	// the context is done.
	Gate <-chan struct{}

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	// Conns records every connection handed out, in order.
	Conns []*Conn
}

// Connect records the call and returns a new Conn or ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig, cb live.Callbacks) (live.Conn, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Cfg: cfg})
	gate := p.Gate
	connectErr := p.ConnectErr
	autoOpen := p.AutoOpen
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if connectErr != nil {
		return nil, connectErr
	}

	c := &Conn{cb: cb}
	p.mu.Lock()
	p.Conns = append(p.Conns, c)
	p.mu.Unlock()

	if autoOpen {
		c.Open()
	}
	return c, nil
}

// LastConn returns the most recently created Conn, or nil.
func (p *Provider) LastConn() *Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Conns) == 0 {
		return nil
	}
	return p.Conns[len(p.Conns)-1]
}

// ConnectCount returns the number of Connect calls.
func (p *Provider) ConnectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// Call returns the i-th recorded Connect call.
func (p *Provider) Call(i int) ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ConnectCalls[i]
}

// Ensure Provider implements live.Provider at compile time.
var _ live.Provider = (*Provider)(nil)

// Conn is a mock implementation of live.Conn. Its Emit helpers invoke the
// registered callbacks synchronously on the calling goroutine.
type Conn struct {
	cb live.Callbacks

	mu sync.Mutex

	// SendErr, if non-nil, is returned from SendRealtimeInput.
	SendErr error

	// CloseErr is returned from Close.
	CloseErr error

	sent       []live.Media
	attempts   int
	closeCount int
}

// Open fires OnOpen.
func (c *Conn) Open() {
	if c.cb.OnOpen != nil {
		c.cb.OnOpen()
	}
}

// Emit fires OnMessage with msg.
func (c *Conn) Emit(msg live.ServerMessage) {
	if c.cb.OnMessage != nil {
		c.cb.OnMessage(msg)
	}
}

// Fail fires OnError with err.
func (c *Conn) Fail(err error) {
	if c.cb.OnError != nil {
		c.cb.OnError(err)
	}
}

// RemoteClose fires OnClose with ev.
func (c *Conn) RemoteClose(ev live.CloseEvent) {
	if c.cb.OnClose != nil {
		c.cb.OnClose(ev)
	}
}

// SendRealtimeInput records a copy of m and returns SendErr.
func (c *Conn) SendRealtimeInput(_ context.Context, m live.Media) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts++
	if c.SendErr != nil {
		return c.SendErr
	}
	cp := live.Media{MIMEType: m.MIMEType, Data: append([]byte(nil), m.Data...)}
	c.sent = append(c.sent, cp)
	return nil
}

// SetSendErr replaces SendErr while sends may be in flight.
func (c *Conn) SetSendErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SendErr = err
}

// SendAttempts returns the number of SendRealtimeInput calls, failed ones
// included.
func (c *Conn) SendAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Sent returns a copy of every media chunk received so far.
func (c *Conn) Sent() []live.Media {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]live.Media, len(c.sent))
	copy(out, c.sent)
	return out
}

// Close records the call and returns CloseErr.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCount++
	return c.CloseErr
}

// CloseCount returns how many times Close was called.
func (c *Conn) CloseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCount
}

// Ensure Conn implements live.Conn at compile time.
var _ live.Conn = (*Conn)(nil)
