package transform

import (
	"fmt"
	"strings"
)

// SystemPrompt frames every provider call.
const SystemPrompt = "You are an expert content repurposing assistant. " +
	"Your task is to transform the provided content into the requested format " +
	"while maintaining the key information and adapting the style appropriately."

// BuildPrompt renders the user prompt for one transformation. Params
// are assumed validated; absent parameters simply omit their clause.
func BuildPrompt(kind Kind, content string, params Params) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Here is the original content:\n\n%s\n\n", content)

	switch kind {
	case KindBlogPost:
		b.WriteString("Transform this content into a well-structured blog post. ")
		if n, ok := intValue(params["word_count"]); ok {
			fmt.Fprintf(&b, "The target word count is around %d words. ", n)
		}
		if tone, ok := params["tone"].(string); ok {
			fmt.Fprintf(&b, "Use a %s tone. ", tone)
		}
		b.WriteString("Include a catchy title, introduction, main sections with subheadings, and a conclusion.")

	case KindSocialMedia:
		platform := "general"
		if p, ok := params["platform"].(string); ok {
			platform = p
		}
		fmt.Fprintf(&b, "Create social media content for %s based on this information. ", platform)
		if n, ok := intValue(params["post_count"]); ok {
			fmt.Fprintf(&b, "Generate %d distinct posts. ", n)
		}
		b.WriteString("Each post should be engaging, concise, and include relevant hashtags.")

	case KindEmailSequence:
		b.WriteString("Transform this content into an email sequence. ")
		if n, ok := intValue(params["email_count"]); ok {
			fmt.Fprintf(&b, "Create a series of %d emails. ", n)
		}
		b.WriteString("Include subject lines and email body content. Each email should have " +
			"a clear purpose, engaging opening, valuable content, and a strong call-to-action.")

	case KindNewsletter:
		b.WriteString("Convert this content into a newsletter format. ")
		if sections, ok := stringList(params["sections"]); ok && len(sections) > 0 {
			fmt.Fprintf(&b, "Include the following sections: %s. ", strings.Join(sections, ", "))
		}
		b.WriteString("The newsletter should have a clear structure, engaging introduction, " +
			"main content sections, and a conclusion with next steps or call-to-action.")

	case KindSummary:
		b.WriteString("Create a concise summary of this content. ")
		if n, ok := intValue(params["length"]); ok {
			fmt.Fprintf(&b, "The summary should be approximately %d words. ", n)
		}
		b.WriteString("Capture the key points, main arguments, and essential information while maintaining clarity.")

	default:
		instructions := "Transform this content into a new format while preserving the key information."
		if s, ok := params["custom_instructions"].(string); ok && s != "" {
			instructions = s
		}
		b.WriteString(instructions)
	}

	return b.String()
}
