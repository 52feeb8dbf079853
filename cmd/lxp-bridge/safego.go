package main

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// safeGo launches fn in its own goroutine with panic recovery and retry with
// exponential backoff, mirroring ryansname-powerctl/src/main.go's SafeGo: up
// to maxRetries attempts, delay doubling from 1s up to maxDelay, with the
// retry count reset whenever a run survives resetAfter before panicking.
// Exhausting retries cancels the whole bridge rather than leaving a
// component silently dead.
func safeGo(ctx context.Context, cancel context.CancelFunc, name string, log zerolog.Logger, fn func(ctx context.Context)) {
	const maxRetries = 10
	const maxDelay = 10 * time.Minute
	const resetAfter = 2 * time.Minute

	go func() {
		retries := 0
		delay := time.Second

		for {
			startTime := time.Now()
			var panicValue any

			func() {
				defer func() { panicValue = recover() }()
				fn(ctx)
			}()

			if panicValue == nil {
				return
			}

			if time.Since(startTime) >= resetAfter {
				retries = 0
				delay = time.Second
			}

			retries++
			log.Error().Interface("panic", panicValue).Str("component", name).Int("attempt", retries).Int("max_attempts", maxRetries).Msg("component panicked")

			if retries >= maxRetries {
				log.Error().Str("component", name).Int("max_attempts", maxRetries).Msg("component exhausted retries, shutting down")
				cancel()
				return
			}

			log.Warn().Str("component", name).Dur("delay", delay).Msg("retrying component after panic")
			select {
			case <-time.After(delay):
				delay *= 2
				if delay > maxDelay {
					delay = maxDelay
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}
