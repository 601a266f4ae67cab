package resilience

import (
	"context"

	"github.com/MrWong99/voicecoach/pkg/provider/live"
)

// LiveFallback implements [live.Provider] with failover across live
// backends. Only Connect is protected; once a connection is established its
// failures are reported through the session callbacks as usual.
type LiveFallback struct {
	group *FallbackGroup[live.Provider]
}

var _ live.Provider = (*LiveFallback)(nil)

// NewLiveFallback creates a [LiveFallback] with primary as the preferred
// backend.
func NewLiveFallback(primary live.Provider, primaryName string, cfg FallbackConfig) *LiveFallback {
	return &LiveFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another backend, tried after the existing ones.
func (f *LiveFallback) AddFallback(name string, p live.Provider) {
	f.group.AddFallback(name, p)
}

// Connect opens a session on the first healthy backend.
func (f *LiveFallback) Connect(ctx context.Context, cfg live.SessionConfig, cb live.Callbacks) (live.Conn, error) {
	return ExecuteWithResult(f.group, func(p live.Provider) (live.Conn, error) {
		return p.Connect(ctx, cfg, cb)
	})
}

// States returns the breaker state per backend name.
func (f *LiveFallback) States() map[string]State {
	out := make(map[string]State, len(f.group.entries))
	for _, e := range f.group.entries {
		out[e.name] = e.breaker.State()
	}
	return out
}
