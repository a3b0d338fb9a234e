// Package rpchandler implements the multi-stage in-process message
// dispatcher: it reads messages off a client, offers each to a chain of
// stages in order, and falls back to built-in ls/dir introspection and
// MethodNotFound when no stage claims it.
//
// Unlike the reference poll(2)-based run loop, which multiplexes a single
// blocking read against an idle timeout by polling the transport's file
// descriptor, Handler.Run drives the reader and the idle ticker as two
// goroutines serialized by an internal lock. This sidesteps needing a
// pollable fd (pkg/framing's Framer works over any io.ReadWriter, not
// just sockets) while preserving the same "never run idle and message
// dispatch concurrently" guarantee a single poll loop gives for free.
package rpchandler

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/silicon-heaven/shvgo/pkg/chainpack"
	"github.com/silicon-heaven/shvgo/pkg/framing"
	"github.com/silicon-heaven/shvgo/pkg/rpcclient"
	"github.com/silicon-heaven/shvgo/pkg/rpcio"
	"github.com/silicon-heaven/shvgo/pkg/rpcmsg"
)

// DefaultIdleInterval bounds how long Run sleeps between idle rounds when
// no stage has an opinion.
const DefaultIdleInterval = 60 * time.Second

// IdleStop, returned by a stage's Idle callback, ends the Run loop
// cleanly (mirrors shvc's RPCHANDLER_IDLE_STOP).
const IdleStop int64 = -1

// Handler dispatches messages received over a client to a chain of
// stages, with built-in ls/dir fallback.
type Handler struct {
	client *rpcclient.Client
	limits rpcmsg.Limits

	stagesMu sync.RWMutex
	stages   []Stage

	// dispatchMu serializes one full message dispatch or idle round
	// against any other; Run's reader and idle goroutines both take it
	// for the duration of a single round, never while blocked on I/O or
	// sleeping.
	dispatchMu sync.Mutex

	// sendMu plus sendPriority implement a reader-priority lock: a
	// dispatch-thread sender (responding to what it just read) announces
	// intent via sendPriority before blocking on sendMu, so a concurrent
	// non-priority sender (e.g. a broker forwarding an unrelated message
	// from another handler's goroutine) yields the lock back rather than
	// holding up the reader.
	sendMu       sync.Mutex
	sendPriority atomic.Bool

	lastSendMu sync.Mutex
	lastSend   time.Time
}

// New creates a Handler dispatching over client, with the given initial
// stages (tried in order for every message) and decode limits.
func New(client *rpcclient.Client, stages []Stage, limits rpcmsg.Limits) *Handler {
	return &Handler{client: client, limits: limits, stages: append([]Stage(nil), stages...)}
}

// Client returns the underlying client, for status inspection
// (Contrack, PollFd, Errno) — not for direct NextMsg/SendMsg calls, which
// would race with the handler's own dispatch.
func (h *Handler) Client() *rpcclient.Client {
	return h.client
}

// Stages returns the handler's current stage chain.
func (h *Handler) Stages() []Stage {
	h.stagesMu.RLock()
	defer h.stagesMu.RUnlock()
	return h.stages
}

// ChangeStages replaces the stage chain. It waits for any dispatch or
// idle round already in progress to finish first, so a stage is never
// asked to handle a message after being removed.
func (h *Handler) ChangeStages(stages []Stage) {
	h.dispatchMu.Lock()
	defer h.dispatchMu.Unlock()
	h.stagesMu.Lock()
	h.stages = append([]Stage(nil), stages...)
	h.stagesMu.Unlock()
}

func (h *Handler) getLastSend() time.Time {
	h.lastSendMu.Lock()
	defer h.lastSendMu.Unlock()
	return h.lastSend
}

func (h *Handler) setLastSend(t time.Time) {
	h.lastSendMu.Lock()
	h.lastSend = t
	h.lastSendMu.Unlock()
}

// acquireSend locks the send side of the client and returns a packer
// plus commit/rollback closures. priority is true only for callers
// running on the dispatch goroutine itself (msg/idle callbacks and the
// built-in ls/dir/MethodNotFound responders), matching the reference
// implementation's rule that a reply to the message just read must never
// wait behind an unrelated concurrent send.
func (h *Handler) acquireSend(priority bool) (rpcio.Packer, func() error, func() error) {
	if priority {
		h.sendPriority.Store(true)
		h.sendMu.Lock()
		h.sendPriority.Store(false)
	} else {
		for {
			h.sendMu.Lock()
			if !h.sendPriority.Load() {
				break
			}
			h.sendMu.Unlock()
			runtime.Gosched()
		}
	}

	p := h.client.Packer()
	var done bool
	finish := func(commit bool) error {
		if done {
			return errAlreadySent
		}
		done = true
		var err error
		if commit {
			err = h.client.SendMsg()
			h.setLastSend(time.Now())
		} else {
			err = h.client.DropMsg()
		}
		h.sendMu.Unlock()
		return err
	}
	send := func() error { return finish(true) }
	drop := func() error { return finish(false) }
	return p, send, drop
}

// NewPacker acquires the client's send side for a caller running outside
// any stage callback (e.g. a broker forwarding a message between two
// handlers on its own goroutine). Callers inside a Funcs callback should
// use the packer helpers on MsgContext/IdleContext instead.
func (h *Handler) NewPacker() (rpcio.Packer, func() error, func() error) {
	return h.acquireSend(false)
}

// Next drains and dispatches exactly one framing event (a message, a
// reset, or a clean disconnect). It reports whether the caller should
// keep calling Next.
func (h *Handler) Next() (bool, error) {
	h.dispatchMu.Lock()
	defer h.dispatchMu.Unlock()

	res, err := h.client.NextMsg()
	if err != nil {
		return false, err
	}
	switch res {
	case framing.ResultReset:
		h.runReset()
		return true, nil
	case framing.ResultNothing:
		// pkg/framing's stream framings only return this on a clean EOF
		// (there is no non-blocking "nothing queued yet" case for a
		// blocking io.Reader), so treat it as a graceful disconnect.
		return false, nil
	case framing.ResultMessage:
		return h.dispatchMessage()
	default:
		return true, nil
	}
}

func (h *Handler) runReset() {
	for _, s := range h.Stages() {
		if s.Funcs.Reset != nil {
			s.Funcs.Reset(s.Cookie)
		}
	}
}

func (h *Handler) dispatchMessage() (bool, error) {
	u, err := h.client.Unpacker()
	if err != nil {
		return false, err
	}
	var item chainpack.Item
	msg, err := rpcmsg.UnpackMessage(u, &item, h.limits)
	if err != nil {
		if ierr := h.client.IgnoreMsg(); ierr != nil {
			return false, ierr
		}
		return true, nil
	}

	ctx := &MsgContext{h: h, msg: msg, item: &item, u: u}

	handled, err := h.runMsgStages(ctx)
	if err != nil {
		return false, err
	}

	if !handled {
		switch {
		case msg.Kind == rpcmsg.KindRequest && msg.Method == "ls":
			if err := h.handleLs(ctx); err != nil {
				return false, err
			}
		case msg.Kind == rpcmsg.KindRequest && msg.Method == "dir":
			if err := h.handleDir(ctx); err != nil {
				return false, err
			}
		default:
			valid, verr := ctx.Valid()
			if verr != nil {
				return false, verr
			}
			if valid && msg.Kind == rpcmsg.KindRequest {
				if err := h.sendMethodNotFound(ctx); err != nil {
					return false, err
				}
			}
		}
	}

	// Safety net: every path above should already have called ctx.Valid,
	// but a stage that claimed the message without doing so would
	// otherwise leave the framing layer desynchronized. Idempotent.
	if _, verr := ctx.Valid(); verr != nil {
		return false, verr
	}
	return true, nil
}

func (h *Handler) runMsgStages(ctx *MsgContext) (bool, error) {
	for _, s := range h.Stages() {
		if s.Funcs.Msg == nil {
			continue
		}
		res, err := s.Funcs.Msg(s.Cookie, ctx)
		if err != nil {
			return false, err
		}
		if res == MsgDone {
			return true, nil
		}
	}
	return false, nil
}

func (h *Handler) sendMethodNotFound(ctx *MsgContext) error {
	return ctx.RespondErrorf(rpcmsg.MethodNotFound,
		"No such method %q on path %q", ctx.msg.Method, ctx.msg.Path)
}

// validPath reports whether path resolves to a real node by asking every
// stage's Ls callback whether path's parent lists path's last segment as
// a child. The root path always resolves.
func (h *Handler) validPath(path string) bool {
	if path == "" {
		return true
	}
	parent, name := splitPath(path)
	lsctx := &LsContext{path: parent, name: name}
	for _, s := range h.Stages() {
		if s.Funcs.Ls != nil {
			s.Funcs.Ls(s.Cookie, lsctx)
			if lsctx.located {
				break
			}
		}
	}
	return lsctx.located
}

func splitPath(path string) (parent, name string) {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[:i], path[i+1:]
	}
	return "", path
}

// Run drives the handler until ctx is cancelled, a stage's Idle callback
// returns IdleStop, or an unrecoverable client error occurs (including a
// clean disconnect, reported as nil). Run returns as soon as any of those
// happens, but if the reader goroutine is blocked inside a client read at
// that moment it keeps running in the background until the read
// unblocks; callers that cancel ctx should also close/disconnect the
// underlying transport to unblock it promptly, the same way an
// in-progress net.Conn.Read is unblocked by closing the connection.
func (h *Handler) Run(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	errCh := make(chan error, 2)

	go func() {
		for {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			default:
			}
			cont, err := h.Next()
			if err != nil {
				errCh <- err
				return
			}
			if !cont {
				errCh <- nil
				return
			}
		}
	}()

	go func() {
		for {
			d, stop, err := h.runIdleOnce()
			if err != nil {
				errCh <- err
				return
			}
			if stop {
				errCh <- nil
				return
			}
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case <-done:
				return
			case <-time.After(d):
			}
		}
	}()

	return <-errCh
}
