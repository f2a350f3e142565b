package guardcode

import (
	"context"
	"time"
)

// Watch calls fn with the current code immediately and again at every window rollover.
// It returns when ctx is cancelled or code generation fails; the timer never outlives the call.
func Watch(ctx context.Context, sharedSecret string, clock Clock, fn func(code string, remaining int)) error {
	for {
		now := clock.Time()
		code, err := GenerateCodeAt(sharedSecret, now)
		if err != nil {
			return err
		}
		remaining := SecondsRemainingInWindow(now)
		fn(code, remaining)

		next := now.Truncate(time.Second).Add(time.Duration(remaining) * time.Second).Sub(now)
		timer := time.NewTimer(next)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
