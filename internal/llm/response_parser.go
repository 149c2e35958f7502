package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	fence = "```"

	// ExcerptLength bounds raw-response excerpts carried in errors and notes.
	ExcerptLength = 200
)

// ParseError reports a completion response that did not hold valid JSON.
type ParseError struct {
	// Excerpt is the start of the raw response.
	Excerpt string
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed JSON response: %v (response: %q)", e.Err, e.Excerpt)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ExtractJSON returns the interior of the first ``` fenced region of a
// response, without the info string on the opening line. A response with
// no fence is returned trimmed. An unclosed fence runs to the end.
func ExtractJSON(response string) string {
	start := strings.Index(response, fence)
	if start < 0 {
		return strings.TrimSpace(response)
	}

	body := response[start+len(fence):]
	if end := strings.Index(body, fence); end >= 0 {
		body = body[:end]
	}

	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		if info := strings.TrimSpace(body[:nl]); !strings.ContainsAny(info, "{[") {
			body = body[nl+1:]
		}
	}
	return body
}

// ParseJSON extracts and decodes a JSON object from a completion response
// into v. Failures are *ParseError values.
func ParseJSON(response string, v any) error {
	payload := ExtractJSON(response)
	if strings.TrimSpace(payload) == "" {
		return &ParseError{Excerpt: Excerpt(response), Err: fmt.Errorf("empty payload")}
	}
	if err := json.Unmarshal([]byte(payload), v); err != nil {
		return &ParseError{Excerpt: Excerpt(response), Err: err}
	}
	return nil
}

// Excerpt returns at most ExcerptLength runes of s.
func Excerpt(s string) string {
	r := []rune(s)
	if len(r) > ExcerptLength {
		return string(r[:ExcerptLength])
	}
	return s
}
