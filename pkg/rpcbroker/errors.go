package rpcbroker

import "errors"

var (
	errMountExists        = errors.New("rpcbroker: mount point already in use")
	errInvalidMountPoint  = errors.New("rpcbroker: invalid mount point")
	errNoDestinationsLive = errors.New("rpcbroker: no destination packer accepted the signal")
	errInvalidLoginParam  = errors.New("rpcbroker: login param must be a Map with a \"login\" key")
)
