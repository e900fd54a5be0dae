// Package prompt rewrites a user's raw prompt into the richer prompt text
// the generation providers expect. Synthesis is best-effort: callers fall
// back to the raw prompt when no synthesizer is available.
package prompt

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Kind selects the synthesis target.
type Kind string

const (
	KindImage  Kind = "image"
	KindMotion Kind = "motion"
)

// Request captures the inputs for one synthesis call.
type Request struct {
	Kind        Kind
	Prompt      string
	Character   string
	AspectRatio string
}

// Synthesizer produces a provider-ready prompt from a raw request.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) (string, error)
}

const staticProviderName = "static"

// StaticSynthesizer is the offline fallback. It normalizes the raw prompt
// without calling any model.
type StaticSynthesizer struct{}

func NewStaticSynthesizer() *StaticSynthesizer {
	return &StaticSynthesizer{}
}

func (s *StaticSynthesizer) Synthesize(ctx context.Context, req Request) (string, error) {
	raw := strings.TrimSpace(req.Prompt)
	if raw == "" {
		return "", fmt.Errorf("prompt: empty prompt")
	}
	c := cases.Title(language.Und)
	subject := strings.TrimSpace(req.Character)
	if subject == "" {
		subject = "the subject"
	} else {
		subject = c.String(subject)
	}
	switch req.Kind {
	case KindMotion:
		return fmt.Sprintf("%s. Subtle natural motion of %s, steady camera, cinematic lighting.", raw, subject), nil
	default:
		return fmt.Sprintf("%s. Photorealistic portrait of %s, detailed skin texture, natural lighting.", raw, subject), nil
	}
}

var _ Synthesizer = (*StaticSynthesizer)(nil)
