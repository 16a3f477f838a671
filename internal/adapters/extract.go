package adapters

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
)

const transcribePrompt = `Transcribe all text visible in this medical document image exactly as written.
Preserve dates, test names, values, units and reference ranges. Output plain text only, no commentary.`

// AgentExtractor transcribes document images through a vision-capable model.
type AgentExtractor struct {
	m Model
}

// NewAgentExtractor returns an Extractor backed by m.
func NewAgentExtractor(m Model) *AgentExtractor { return &AgentExtractor{m: m} }

// Extract sends the image as a data URI and returns the transcription.
func (e *AgentExtractor) Extract(ctx context.Context, data []byte, mimeType string) (string, error) {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if !strings.HasPrefix(mimeType, "image/") {
		return "", fmt.Errorf("extract: unsupported content type %q", mimeType)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("extract: empty document")
	}
	text, err := e.m.Vision(ctx, transcribePrompt, []string{dataURI(data, mimeType)})
	if err != nil {
		return "", fmt.Errorf("extract: %w", err)
	}
	return strings.TrimSpace(text), nil
}

func dataURI(data []byte, contentType string) string {
	return fmt.Sprintf("data:%s;base64,%s", contentType, base64.StdEncoding.EncodeToString(data))
}
