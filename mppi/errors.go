package mppi

import "errors"

var (
	ErrInvalidConfig     = errors.New("invalid mppi config")
	ErrInvalidState      = errors.New("invalid state vector")
	ErrDegenerateWeights = errors.New("degenerate importance weights")
	ErrTopSamples        = errors.New("top samples unavailable")
)
