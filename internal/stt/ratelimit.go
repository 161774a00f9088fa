package stt

import (
	"context"

	"golang.org/x/time/rate"
)

type limitedRecognizer struct {
	next    Recognizer
	limiter *rate.Limiter
}

// WithRateLimit paces calls to next at rps requests per second. A
// non-positive rps returns next unchanged.
func WithRateLimit(next Recognizer, rps float64) Recognizer {
	if rps <= 0 {
		return next
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return &limitedRecognizer{next: next, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (l *limitedRecognizer) Transcribe(ctx context.Context, path string, opts Options) (string, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return "", &Error{Kind: KindTransient, Message: "rate limiter wait", Err: err}
	}
	return l.next.Transcribe(ctx, path, opts)
}
