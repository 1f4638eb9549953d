package models

import "errors"

var (
	ErrUpstreamUnavailable   = errors.New("upstream unavailable")
	ErrRateLimited           = errors.New("rate limited")
	ErrNotFound              = errors.New("symbol not found")
	ErrTimeout               = errors.New("upstream timeout")
	ErrNoData                = errors.New("no data")
	ErrInsufficientHistory   = errors.New("insufficient history")
	ErrSubscriberWriteFailed = errors.New("subscriber write failed")
	ErrInvalidClientMessage  = errors.New("invalid client message")
	ErrTradingInactive       = errors.New("trading is not active")
	ErrNoPosition            = errors.New("no open position")
)
