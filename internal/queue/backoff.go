package queue

import (
	"math/rand/v2"
	"time"
)

const maxBackoffSeconds = 64

// randIntN is swapped in tests.
var randIntN = rand.IntN

// FullJitter returns a delay drawn uniformly from [1, min(2^attempt, 64)]
// seconds.
func FullJitter(attempt int) time.Duration {
	ceil := maxBackoffSeconds
	if attempt < 0 {
		attempt = 0
	}
	if attempt < 6 {
		ceil = 1 << attempt
	}
	return time.Duration(1+randIntN(ceil)) * time.Second
}
