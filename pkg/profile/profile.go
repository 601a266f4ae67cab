// Package profile supplies the user context that personalises a coaching
// session and renders it into the model's system instruction.
package profile

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by a [Provider] that has no profile for a user.
var ErrNotFound = errors.New("profile: not found")

// Profile is the optional context about the person being coached. Every
// field may be empty.
type Profile struct {
	Name     string `json:"name,omitempty" yaml:"name"`
	Business string `json:"business,omitempty" yaml:"business"`
	Role     string `json:"role,omitempty" yaml:"role"`
}

// IsZero reports whether no field is set.
func (p Profile) IsZero() bool { return p == Profile{} }

// Merge returns p with empty fields filled from fallback.
func (p Profile) Merge(fallback Profile) Profile {
	if p.Name == "" {
		p.Name = fallback.Name
	}
	if p.Business == "" {
		p.Business = fallback.Business
	}
	if p.Role == "" {
		p.Role = fallback.Role
	}
	return p
}

const basePrompt = "You are an experienced business coach having a live spoken conversation. " +
	"Keep answers short and conversational, ask one question at a time, " +
	"and give concrete, actionable advice."

// Instruction renders p into a system instruction. Unset fields are left out.
func Instruction(p Profile) string {
	var b strings.Builder
	b.WriteString(basePrompt)

	var about []string
	if name := strings.TrimSpace(p.Name); name != "" {
		about = append(about, fmt.Sprintf("Their name is %s.", name))
	}
	role := strings.TrimSpace(p.Role)
	business := strings.TrimSpace(p.Business)
	switch {
	case role != "" && business != "":
		about = append(about, fmt.Sprintf("They work as %s at %s.", role, business))
	case role != "":
		about = append(about, fmt.Sprintf("They work as %s.", role))
	case business != "":
		about = append(about, fmt.Sprintf("Their business is %s.", business))
	}
	if len(about) > 0 {
		b.WriteString("\n\nAbout the person you are coaching: ")
		b.WriteString(strings.Join(about, " "))
	}
	return b.String()
}

// Provider looks up the profile of a user.
type Provider interface {
	// Profile returns the profile for userID, or an error wrapping
	// ErrNotFound.
	Profile(ctx context.Context, userID string) (Profile, error)
}

// Static is a Provider that returns the same profile for everyone.
type Static Profile

// Profile implements [Provider].
func (s Static) Profile(context.Context, string) (Profile, error) { return Profile(s), nil }

// Resolve returns the first profile found by providers for userID, merged
// with fallback. Providers that return ErrNotFound are skipped; other errors
// abort the lookup.
func Resolve(ctx context.Context, userID string, fallback Profile, providers ...Provider) (Profile, error) {
	for _, p := range providers {
		if p == nil {
			continue
		}
		found, err := p.Profile(ctx, userID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return Profile{}, fmt.Errorf("profile: resolve %q: %w", userID, err)
		}
		return found.Merge(fallback), nil
	}
	return fallback, nil
}
