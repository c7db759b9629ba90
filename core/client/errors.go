package client

import (
	"errors"
)

var (
	errUnexpectedEcho = errors.New("failed to read response: unexpected echo")
	errSampleFiltered = errors.New("sample discarded by filter")
	errNoRemoteAddr   = errors.New("no remote address")
)
