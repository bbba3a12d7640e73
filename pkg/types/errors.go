package types

import "errors"

// ErrInvalidEndpoint is wrapped by Endpoint.Validate when a discovered
// server fails one of the §3 invariants and must be dropped.
var ErrInvalidEndpoint = errors.New("invalid endpoint")
