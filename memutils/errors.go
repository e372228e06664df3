package memutils

import "github.com/cockroachdb/errors"

// PowerOfTwoError is the error wrapped by CheckPow2 when a cache line size or other alignment
// is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")
