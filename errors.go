package heron

import "errors"

var (
	ErrServerClosed = errors.New("smtp: server closed")
	ErrNoHostname   = errors.New("smtp: hostname is required")
)
