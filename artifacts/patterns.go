package artifacts

import "github.com/tidwall/match"

// PipelinePatterns select the small pipeline files from the model repository.
// '*' matches across '/' so "vae/*" covers nested paths.
var PipelinePatterns = []string{
	"model_index.json",
	"scheduler/*",
	"vae/*",
	"tokenizer/*",
	"tokenizer_2/*",
	"image_processor/*",
	"processor/*",
	"text_encoder/*",
	"text_encoder_2/*",
	"*.json",
	"*.txt",
}

// MatchAny reports whether name matches at least one pattern.
func MatchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if match.Match(name, p) {
			return true
		}
	}
	return false
}

// Filter returns the names matching any pattern, preserving order.
func Filter(patterns, names []string) []string {
	var out []string
	for _, n := range names {
		if MatchAny(patterns, n) {
			out = append(out, n)
		}
	}
	return out
}
