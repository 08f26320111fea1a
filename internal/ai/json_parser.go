package ai

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Model responses frequently wrap JSON in markdown fences or prose.
// The parser tries a sequence of progressively more aggressive
// recovery strategies before giving up.
var (
	codeFenceRegex     = regexp.MustCompile("(?s)`{3}(?:json)?\\s*\\n?([\\s\\S]*?)\\n?`{3}")
	trailingCommaRegex = regexp.MustCompile(`,(\s*[}\]])`)
	objectRegex        = regexp.MustCompile(`(?s)\{[\s\S]*\}`)
	arrayRegex         = regexp.MustCompile(`(?s)\[[\s\S]*\]`)
)

// ParseResult is the outcome of a resilient JSON parse
type ParseResult[T any] struct {
	Success bool
	Data    T
	Error   string
}

// ParseOptions configures parsing behavior
type ParseOptions struct {
	Context string // Prefixes error messages
}

// Parse attempts to parse JSON from a model response with fallback
// strategies: direct parse, fence removal, trailing-comma cleanup, and
// extraction of the JSON payload from surrounding prose.
func Parse[T any](text string, opts ...ParseOptions) ParseResult[T] {
	var options ParseOptions
	if len(opts) > 0 {
		options = opts[0]
	}

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return parseError[T]("empty input", options.Context)
	}

	if result, err := tryParse[T](trimmed); err == nil {
		return ParseResult[T]{Success: true, Data: result}
	}

	withoutFences := removeCodeFences(trimmed)
	if withoutFences != trimmed {
		if result, err := tryParse[T](withoutFences); err == nil {
			return ParseResult[T]{Success: true, Data: result}
		}
	}

	cleaned := trailingCommaRegex.ReplaceAllString(withoutFences, "$1")
	if result, err := tryParse[T](cleaned); err == nil {
		return ParseResult[T]{Success: true, Data: result}
	}

	if extracted := extractJSON(cleaned); extracted != "" {
		if result, err := tryParse[T](extracted); err == nil {
			return ParseResult[T]{Success: true, Data: result}
		}
	}

	return parseError[T]("all JSON parsing strategies failed", options.Context)
}

func tryParse[T any](text string) (T, error) {
	var result T
	err := json.Unmarshal([]byte(text), &result)
	return result, err
}

func removeCodeFences(text string) string {
	cleaned := codeFenceRegex.ReplaceAllString(text, "$1")
	if strings.HasPrefix(cleaned, "`") && strings.HasSuffix(cleaned, "`") {
		cleaned = strings.Trim(cleaned, "`")
	}
	return strings.TrimSpace(cleaned)
}

// extractJSON pulls the outermost object or array out of mixed
// content. The first JSON-like character decides which shape to look
// for, so an array of objects isn't truncated to its first element.
func extractJSON(text string) string {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) > 0 {
		switch trimmed[0] {
		case '[':
			return arrayRegex.FindString(text)
		case '{':
			return objectRegex.FindString(text)
		}
	}
	if match := objectRegex.FindString(text); match != "" {
		return match
	}
	return arrayRegex.FindString(text)
}

func parseError[T any](message, context string) ParseResult[T] {
	if context != "" {
		message = fmt.Sprintf("%s: %s", context, message)
	}
	var zero T
	return ParseResult[T]{Success: false, Data: zero, Error: message}
}
