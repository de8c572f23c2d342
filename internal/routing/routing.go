// Package routing makes the pure local-vs-remote target decision and the
// escalation check the agent loop consults each turn.
package routing

import (
	"strings"

	"github.com/localagent/corvid/internal/models"
)

// Target is the destination chosen for a turn.
type Target string

const (
	TargetLocal  Target = "local"
	TargetRemote Target = "remote"
)

// Config holds the keyword lists and default consulted by Route.
// Matching is case-insensitive substring matching against the last user
// message content; always-local is checked before always-remote.
type Config struct {
	AlwaysLocalKeywords  []string
	AlwaysRemoteKeywords []string
	Default              Target
}

// Decision is the outcome of a routing call.
type Decision struct {
	Target    Target
	Rationale string
}

// Route decides local vs. remote from the last user message and the
// tool names available this turn. It is a pure function of its inputs.
func Route(messages []models.Message, toolNames []string, cfg Config) Decision {
	def := cfg.Default
	if def == "" {
		def = TargetLocal
	}

	content := strings.ToLower(lastUserContent(messages))
	if content == "" {
		return Decision{Target: def, Rationale: "no user content; using default target"}
	}

	if kw, ok := matchAny(content, cfg.AlwaysLocalKeywords); ok {
		return Decision{Target: TargetLocal, Rationale: "matched always-local keyword: " + kw}
	}
	if kw, ok := matchAny(content, cfg.AlwaysRemoteKeywords); ok {
		return Decision{Target: TargetRemote, Rationale: "matched always-remote keyword: " + kw}
	}

	return Decision{Target: def, Rationale: "no keyword match; using default target"}
}

// ShouldRetryWithRemote reports whether response carries an escalation
// signal — an opaque confidence metric below threshold — that should move
// the conversation from local to remote.
func ShouldRetryWithRemote(response models.ChatResponse, threshold float64) bool {
	if !response.HasConfidence {
		return false
	}
	return response.Confidence < threshold
}

func matchAny(contentLower string, keywords []string) (string, bool) {
	for _, kw := range keywords {
		k := strings.ToLower(strings.TrimSpace(kw))
		if k == "" {
			continue
		}
		if strings.Contains(contentLower, k) {
			return k, true
		}
	}
	return "", false
}

func lastUserContent(messages []models.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == models.RoleUser {
			return messages[i].Text
		}
	}
	return ""
}
