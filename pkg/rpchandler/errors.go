package rpchandler

import "errors"

var (
	errNotARequest       = errors.New("rpchandler: only a request may be responded to")
	errAlreadySent       = errors.New("rpchandler: message already sent or dropped")
	errIdleOneMessage    = errors.New("rpchandler: idle callback may send at most one message")
	errInvalidLsDirParam = errors.New("rpchandler: ls/dir param must be Null, a List, or a node name String")
)
