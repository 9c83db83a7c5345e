package selector

import (
	"sort"
	"strings"
	"time"

	"github.com/chatvault/gateway/internal/types"
)

// Capability tags derived from request content.
const (
	TagChat      = "chat"
	TagCode      = "code"
	TagQA        = "qa"
	TagLongForm  = "long-form"
	TagMath      = "math"
	TagCreative  = "creative"
	TagSummarize = "summarize"
)

// longFormThreshold is the combined message length, in bytes, above which a
// request is tagged long-form.
const longFormThreshold = 2000

// qaDensity is the minimum question marks per word for the qa tag.
const qaDensity = 0.02

var codeKeywords = []string{"func ", "def ", "import ", "class ", "compile", "stack trace", "refactor"}
var mathKeywords = []string{"equation", "integral", "theorem", "calculate", "probability", "algebra"}
var creativeKeywords = []string{"story", "poem", "fiction", "narrative", "character", "plot"}
var summarizeKeywords = []string{"summarize", "summary", "tl;dr", "condense"}

// RequestContext is the per-request routing context: who is asking, what they
// pinned (or "auto"), and what kind of content the messages carry. It is
// derived once per request and never persisted.
type RequestContext struct {
	Identity       string
	RequestedModel string
	Tags           []string
	CreatedAt      time.Time
}

// AnalyzeContext derives capability tags from message content using
// deterministic pattern matching: identical input always yields identical
// tags, in sorted order.
func AnalyzeContext(messages []types.Message, requestedModel, identity string) RequestContext {
	var sb strings.Builder
	for _, m := range messages {
		sb.WriteString(m.Content)
		sb.WriteByte(' ')
	}
	text := sb.String()
	lower := strings.ToLower(text)

	tags := make(map[string]bool)

	if strings.Contains(text, "```") || containsAny(lower, codeKeywords) {
		tags[TagCode] = true
	}
	if containsAny(lower, mathKeywords) {
		tags[TagMath] = true
	}
	if containsAny(lower, creativeKeywords) {
		tags[TagCreative] = true
	}
	if containsAny(lower, summarizeKeywords) {
		tags[TagSummarize] = true
	}

	questions := strings.Count(text, "?")
	words := len(strings.Fields(text))
	if questions > 0 && words > 0 && float64(questions)/float64(words) >= qaDensity {
		tags[TagQA] = true
	}

	if len(text) >= longFormThreshold {
		tags[TagLongForm] = true
	}

	if len(tags) == 0 {
		tags[TagChat] = true
	}

	out := make([]string, 0, len(tags))
	for tag := range tags {
		out = append(out, tag)
	}
	sort.Strings(out)

	return RequestContext{
		Identity:       identity,
		RequestedModel: requestedModel,
		Tags:           out,
		CreatedAt:      time.Now(),
	}
}

func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}
