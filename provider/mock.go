package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/recasthq/recast/errdefs"
	"github.com/recasthq/recast/transform"
)

// MockProvider produces deterministic canned output without calling
// any external service. It backs tests and, when enabled, serves as a
// last-resort fallback in deployments without provider credentials.
type MockProvider struct {
	// FailWith, when set, makes every call fail with that error.
	FailWith error

	// Delay simulates provider latency.
	Delay time.Duration
}

func NewMockProvider() *MockProvider { return &MockProvider{} }

func (p *MockProvider) Name() string { return "mock" }

func (p *MockProvider) Supports(transform.Kind) bool { return true }

func (p *MockProvider) Transform(ctx context.Context, req Request) (*Result, error) {
	if p.FailWith != nil {
		return nil, p.FailWith
	}
	if p.Delay > 0 {
		select {
		case <-time.After(p.Delay):
		case <-ctx.Done():
			return nil, errdefs.Wrap(errdefs.ErrCancelled, ctx.Err())
		}
	}
	text := mockOutput(req.Kind)
	return &Result{
		Text:      text,
		Model:     "mock-1",
		TokensIn:  estimateTokens(req.System) + estimateTokens(req.Prompt),
		TokensOut: estimateTokens(text),
	}, nil
}

func mockOutput(kind transform.Kind) string {
	switch kind {
	case transform.KindBlogPost:
		return "# Five Lessons From Your Content\n\n" +
			"## Introduction\nEvery piece of source material hides more value than its first format exposes.\n\n" +
			"## Lesson One: Repetition Builds Recall\nThe core argument of the original content, restated for a blog audience.\n\n" +
			"## Lesson Two: Structure Carries Meaning\nSubheadings guide skimming readers to the sections they need.\n\n" +
			"## Conclusion\nRepurposing multiplies the reach of work you have already done."
	case transform.KindSocialMedia:
		return "Post 1: The big idea from the source content, in one punchy line. #content #repurposing\n\n" +
			"Post 2: A supporting fact that earns the scroll-stop. #growth\n\n" +
			"Post 3: Question to the audience about their own workflow. #community"
	case transform.KindEmailSequence:
		return "Email 1\nSubject: The idea you almost missed\n\nHi there,\n\n" +
			"Here is the core insight from the content, framed as a welcome.\n\nTalk soon.\n\n" +
			"Email 2\nSubject: One step further\n\nA follow-up that deepens the first email and ends with a call to action."
	case transform.KindNewsletter:
		return "This Week's Digest\n\nHighlights\n- The main point of the source content.\n- A secondary finding worth sharing.\n\n" +
			"Deep Dive\nA paragraph expanding the most interesting thread.\n\n" +
			"Next Steps\nReply with the topic you want covered next."
	case transform.KindSummary:
		return "The source content argues its central thesis, supports it with the key evidence presented, " +
			"and closes with the implications for the reader. Main points: the primary claim, " +
			"the supporting data, and the recommended action."
	default:
		return fmt.Sprintf("Transformed content (%s): the source material, reshaped per the given instructions.", kind)
	}
}

// estimateTokens approximates tokens as words times four thirds, close
// enough for mock accounting.
func estimateTokens(s string) int {
	return len(strings.Fields(s)) * 4 / 3
}
