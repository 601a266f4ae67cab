package health

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/MrWong99/voicecoach/internal/resilience"
)

// Pinger is implemented by stores that can verify their connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker reports p's Ping result under name.
func PingChecker(name string, p Pinger) Checker {
	return Checker{Name: name, Check: p.Ping}
}

// BreakerChecker fails when every live backend has an open circuit breaker.
// states is typically [resilience.LiveFallback.States].
func BreakerChecker(name string, states func() map[string]resilience.State) Checker {
	return Checker{Name: name, Check: func(context.Context) error {
		s := states()
		if len(s) == 0 {
			return errors.New("no live provider configured")
		}
		var open []string
		for n, st := range s {
			if st != resilience.StateOpen {
				return nil
			}
			open = append(open, n)
		}
		slices.Sort(open)
		return fmt.Errorf("circuit open for %s", strings.Join(open, ", "))
	}}
}
