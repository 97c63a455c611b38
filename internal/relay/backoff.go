package relay

import (
	"math"
	"math/rand"
	"time"
)

// backoffDuration is base * 2^retry plus up to 50% jitter.
func backoffDuration(base time.Duration, retry int) time.Duration {
	exp := math.Pow(2, float64(retry))
	jitter := rand.Float64() * exp * 0.5
	return time.Duration(float64(base) * (exp + jitter))
}
