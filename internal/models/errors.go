package models

import "github.com/pkg/errors"

var (
	ErrConfig              = errors.New("config error")
	ErrExchangeAPI         = errors.New("exchange api error")
	ErrOrderRejected       = errors.New("order rejected")
	ErrSlippageExceeded    = errors.New("slippage exceeded")
	ErrMetadataUnavailable = errors.New("metadata unavailable")
	ErrConnectionLost      = errors.New("connection lost")
	ErrEquityUnknown       = errors.New("follower equity unknown")
	ErrMalformedEvent      = errors.New("malformed event")
)
