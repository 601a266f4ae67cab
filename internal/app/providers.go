package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/voicecoach/internal/config"
	"github.com/MrWong99/voicecoach/pkg/provider/live"
	"github.com/MrWong99/voicecoach/pkg/provider/live/gemini"
	"github.com/MrWong99/voicecoach/pkg/provider/live/googlegenai"
)

// RegisterBuiltinProviders wires the live provider factories that ship with
// voicecoach into reg.
func RegisterBuiltinProviders(reg *config.Registry) {
	reg.RegisterLive("gemini-live", func(entry config.ProviderEntry) (live.Provider, error) {
		var opts []gemini.Option
		if entry.Model != "" {
			opts = append(opts, gemini.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(entry.BaseURL))
		}
		if ka := entry.StringOption("keepalive"); ka != "" {
			d, err := time.ParseDuration(ka)
			if err != nil {
				return nil, fmt.Errorf("options.keepalive: %w", err)
			}
			opts = append(opts, gemini.WithKeepalive(d))
		}
		return gemini.New(entry.APIKey, opts...), nil
	})

	reg.RegisterLive("gemini-genai", func(entry config.ProviderEntry) (live.Provider, error) {
		var opts []googlegenai.Option
		if entry.Model != "" {
			opts = append(opts, googlegenai.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, googlegenai.WithBaseURL(entry.BaseURL))
		}
		return googlegenai.New(context.Background(), entry.APIKey, opts...)
	})

	for _, name := range reg.LiveNames() {
		slog.Debug("registered provider", "kind", "live", "name", name)
	}
}
