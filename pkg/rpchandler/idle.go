package rpchandler

import (
	"time"

	"github.com/silicon-heaven/shvgo/pkg/rpcio"
)

// IdleContext is passed to a stage's Idle callback.
type IdleContext struct {
	h        *Handler
	lastSend time.Time
	used     bool
}

// LastSend is the time of the handler's most recent outbound message,
// usable to decide whether a keepalive ping is due.
func (c *IdleContext) LastSend() time.Time { return c.lastSend }

// NewPacker acquires a packer to send one message from idle. At most one
// message may be sent per Idle invocation across every stage combined;
// a second call in the same round returns an error.
func (c *IdleContext) NewPacker() (rpcio.Packer, func() error, func() error, error) {
	if c.used {
		return nil, nil, nil, errIdleOneMessage
	}
	c.used = true
	p, send, drop := c.h.acquireSend(true)
	return p, send, drop, nil
}

// runIdleOnce calls every stage's Idle callback once, returning the
// minimum requested delay, or stop=true if any stage returned IdleStop.
func (h *Handler) runIdleOnce() (time.Duration, bool, error) {
	h.dispatchMu.Lock()
	defer h.dispatchMu.Unlock()

	ctx := &IdleContext{h: h, lastSend: h.getLastSend()}
	haveVote := false
	var best int64
	for _, s := range h.Stages() {
		if s.Funcs.Idle == nil {
			continue
		}
		ms, err := s.Funcs.Idle(s.Cookie, ctx)
		if err != nil {
			return 0, false, err
		}
		if ms == IdleStop {
			return 0, true, nil
		}
		if !haveVote || ms < best {
			best = ms
			haveVote = true
		}
	}
	if !haveVote {
		return DefaultIdleInterval, false, nil
	}
	if best < 0 {
		best = 0
	}
	return time.Duration(best) * time.Millisecond, false, nil
}
