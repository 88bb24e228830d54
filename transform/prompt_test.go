package transform

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildPromptBlogPost(t *testing.T) {
	prompt := BuildPrompt(KindBlogPost, "quarterly report text", Params{
		"word_count": float64(800),
		"tone":       "casual",
	})

	assert.Contains(t, prompt, "Here is the original content:\n\nquarterly report text")
	assert.Contains(t, prompt, "well-structured blog post")
	assert.Contains(t, prompt, "around 800 words")
	assert.Contains(t, prompt, "casual tone")
	assert.Contains(t, prompt, "catchy title")
}

func TestBuildPromptOmitsAbsentParams(t *testing.T) {
	prompt := BuildPrompt(KindBlogPost, "text", Params{})

	assert.NotContains(t, prompt, "word count")
	assert.NotContains(t, prompt, "tone")
	assert.Contains(t, prompt, "blog post")
}

func TestBuildPromptSocialMediaDefaultsPlatform(t *testing.T) {
	prompt := BuildPrompt(KindSocialMedia, "text", Params{"post_count": 3})

	assert.Contains(t, prompt, "social media content for general")
	assert.Contains(t, prompt, "3 distinct posts")
	assert.Contains(t, prompt, "hashtags")
}

func TestBuildPromptNewsletterSections(t *testing.T) {
	prompt := BuildPrompt(KindNewsletter, "text", Params{
		"sections": []interface{}{"highlights", "roadmap"},
	})

	assert.Contains(t, prompt, "newsletter format")
	assert.Contains(t, prompt, "highlights, roadmap")
}

func TestBuildPromptCustomInstructions(t *testing.T) {
	prompt := BuildPrompt(KindCustom, "text", Params{
		"custom_instructions": "rewrite as a haiku",
	})
	assert.Contains(t, prompt, "rewrite as a haiku")

	fallback := BuildPrompt(KindCustom, "text", Params{})
	assert.Contains(t, fallback, "preserving the key information")
}

func TestSystemPromptStable(t *testing.T) {
	assert.Contains(t, SystemPrompt, "content repurposing assistant")
}
