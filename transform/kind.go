// Package transform defines the transformation kinds, their parameter
// schemas and the prompt construction used by the AI providers.
package transform

// Kind identifies one supported output format.
type Kind string

const (
	KindBlogPost      Kind = "blog_post"
	KindSocialMedia   Kind = "social_media"
	KindEmailSequence Kind = "email_sequence"
	KindNewsletter    Kind = "newsletter"
	KindSummary       Kind = "summary"
	KindCustom        Kind = "custom"
)

// Kinds lists every supported kind in catalog order.
func Kinds() []Kind {
	return []Kind{
		KindBlogPost,
		KindSocialMedia,
		KindEmailSequence,
		KindNewsletter,
		KindSummary,
		KindCustom,
	}
}

// Valid reports whether k names a supported kind.
func (k Kind) Valid() bool {
	switch k {
	case KindBlogPost, KindSocialMedia, KindEmailSequence,
		KindNewsletter, KindSummary, KindCustom:
		return true
	}
	return false
}

func (k Kind) String() string { return string(k) }

// ParamSpec describes one accepted parameter of a kind.
type ParamSpec struct {
	Name   string   `json:"name"`
	Type   string   `json:"type"` // int, string, enum, string_list
	Min    int      `json:"min,omitempty"`
	Max    int      `json:"max,omitempty"`
	Enum   []string `json:"enum,omitempty"`
	MaxLen int      `json:"max_length,omitempty"`
}

// KindSpec is the parameter schema of one kind, served by the kind
// catalog endpoint.
type KindSpec struct {
	Kind       Kind        `json:"kind"`
	Parameters []ParamSpec `json:"parameters"`
}

var toneEnum = []string{"professional", "casual", "academic", "friendly", "persuasive"}
var platformEnum = []string{"twitter", "instagram", "linkedin", "facebook"}

var schemas = map[Kind][]ParamSpec{
	KindBlogPost: {
		{Name: "word_count", Type: "int", Min: 300, Max: 3000},
		{Name: "tone", Type: "enum", Enum: toneEnum},
	},
	KindSocialMedia: {
		{Name: "platform", Type: "enum", Enum: platformEnum},
		{Name: "post_count", Type: "int", Min: 1, Max: 10},
	},
	KindEmailSequence: {
		{Name: "email_count", Type: "int", Min: 1, Max: 7},
	},
	KindNewsletter: {
		{Name: "sections", Type: "string_list"},
	},
	KindSummary: {
		{Name: "length", Type: "int", Min: 100, Max: 1000},
	},
	KindCustom: {
		{Name: "custom_instructions", Type: "string", MaxLen: 4000},
	},
}

// Catalog returns the full kind catalog in stable order.
func Catalog() []KindSpec {
	out := make([]KindSpec, 0, len(schemas))
	for _, k := range Kinds() {
		out = append(out, KindSpec{Kind: k, Parameters: schemas[k]})
	}
	return out
}
