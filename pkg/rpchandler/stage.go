package rpchandler

// MsgResult is returned by a stage's Msg callback.
type MsgResult int

const (
	// MsgSkip means this stage does not claim the message; the handler
	// tries the next stage.
	MsgSkip MsgResult = iota
	// MsgDone means this stage has fully handled the message (including
	// validating it via MsgContext.Valid and, for requests, sending a
	// response or recording the request_id for a later async response).
	MsgDone
)

// Funcs is the set of callbacks a stage may provide; every field is
// optional (a nil field is simply skipped).
//
// Msg is tried first, in stage order, for every received message. It must
// inspect ctx.Message() to decide whether it owns the message BEFORE
// touching ctx.Unpacker()/ctx.Item() — once it starts reading the
// payload it is committed to returning MsgDone (there is no way to back
// out and let a later stage read the same bytes). A stage that returns
// MsgDone is responsible for calling ctx.Valid() before finishing, though
// the handler also calls it as a safety net.
//
// Ls and Dir implement the ls/dir introspection methods: the handler
// calls every stage's Ls/Dir for a request, aggregating results with
// LsContext.Result/DirContext.Result. Neither may pack a message; their
// context types expose no packer.
//
// Idle is called when the handler has no message to process. It returns
// the number of milliseconds before it must be called again (the handler
// sleeps the minimum over all stages), or IdleStop to end the run loop.
// At most one message may be packed per Idle invocation across all
// stages combined (see IdleContext.NewPacker).
//
// Reset is called when the peer signals a framing reset; a stage should
// drop any session state (role, subscriptions, nonce, ...) derived from
// the connection so far.
type Funcs struct {
	Msg   func(cookie any, ctx *MsgContext) (MsgResult, error)
	Ls    func(cookie any, ctx *LsContext)
	Dir   func(cookie any, ctx *DirContext)
	Idle  func(cookie any, ctx *IdleContext) (int64, error)
	Reset func(cookie any)
}

// Stage is one entry of a Handler's dispatch chain: a set of callbacks
// plus an opaque cookie passed to each of them, so one Funcs value can be
// shared by many stage instances differing only in cookie (e.g. one
// per mounted node).
type Stage struct {
	Funcs  Funcs
	Cookie any
}
