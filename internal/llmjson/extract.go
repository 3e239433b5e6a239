// Package llmjson pulls a single JSON value out of free-form model output.
package llmjson

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	fenceRegex         = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*(.*?)```")
	trailingCommaRegex = regexp.MustCompile(`,\s*([}\]])`)
)

// ErrNoJSON is returned when the response holds no JSON object or array
var ErrNoJSON = errors.New("no JSON found in response")

// Extract finds the first JSON object or array in response and decodes it
// into T. Markdown fences and trailing prose are ignored, and trailing
// commas are repaired before a second attempt.
func Extract[T any](response string) (T, error) {
	var result T

	cleaned := strings.TrimSpace(response)
	if m := fenceRegex.FindStringSubmatch(cleaned); m != nil {
		cleaned = strings.TrimSpace(m[1])
	}
	if cleaned == "" {
		return result, ErrNoJSON
	}

	idx := strings.IndexAny(cleaned, "{[")
	if idx == -1 {
		return result, ErrNoJSON
	}
	jsonPart := cleaned[idx:]

	// Decoder stops after one value so trailing text is ignored
	err := json.NewDecoder(strings.NewReader(jsonPart)).Decode(&result)
	if err == nil {
		return result, nil
	}

	repaired := trailingCommaRegex.ReplaceAllString(jsonPart, "$1")
	if repaired != jsonPart {
		var second T
		if err2 := json.NewDecoder(strings.NewReader(repaired)).Decode(&second); err2 == nil {
			return second, nil
		}
	}
	return result, fmt.Errorf("parse JSON: %w", err)
}
