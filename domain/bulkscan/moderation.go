package bulkscan

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aymerick/raymond"

	"github.com/opennotes-dev/opennotes-server/pkg/llm"
)

// moderationPolicy is the rendered policy prompt for the per-message screen.
var moderationPolicy = raymond.MustParse(`You are a content moderation screen
for an online community. Classify the message below against these policies:
harassment, hate speech, threats of violence, sexual content involving minors,
and doxxing.

Message:
"""
{{content}}
"""

Respond with a single JSON object:
{"flagged": <true|false>, "category": "<policy or empty>", "reason": "<short explanation>"}`)

// ModerationResult is one policy verdict.
type ModerationResult struct {
	Flagged  bool   `json:"flagged"`
	Category string `json:"category"`
	Reason   string `json:"reason"`
}

// screenMessage runs the moderation prompt for one message.
func screenMessage(ctx context.Context, provider llm.Provider, content string) (ModerationResult, error) {
	if provider == nil || !provider.IsConfigured() {
		return ModerationResult{}, fmt.Errorf("llm provider not configured")
	}

	prompt, err := moderationPolicy.Exec(map[string]any{"content": content})
	if err != nil {
		return ModerationResult{}, fmt.Errorf("render moderation prompt: %w", err)
	}

	response, err := provider.Complete(ctx, prompt)
	if err != nil {
		return ModerationResult{}, fmt.Errorf("moderation completion: %w", err)
	}

	start := strings.Index(response, "{")
	end := strings.LastIndex(response, "}")
	if start < 0 || end <= start {
		return ModerationResult{}, fmt.Errorf("no JSON object in moderation response")
	}

	var result ModerationResult
	if err := json.Unmarshal([]byte(response[start:end+1]), &result); err != nil {
		return ModerationResult{}, fmt.Errorf("decode moderation response: %w", err)
	}
	return result, nil
}
