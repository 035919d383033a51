package llm

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// MalformedOutputError is returned when model output cannot be decoded as the expected JSON.
type MalformedOutputError struct {
	Raw string
	Err error
}

func (e *MalformedOutputError) Error() string {
	return fmt.Sprintf("malformed model output: %v; output: %s", e.Err, trim(e.Raw, 400))
}

func (e *MalformedOutputError) Unwrap() error {
	return e.Err
}

// DecodeJSON strips Markdown fences from raw and unmarshals the first JSON object into dst.
func DecodeJSON(raw string, dst any) error {
	text := StripFences(raw)
	err := json.Unmarshal([]byte(text), dst)
	if err == nil {
		return nil
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		if retryErr := json.Unmarshal([]byte(text[start:end+1]), dst); retryErr == nil {
			return nil
		}
	}
	return &MalformedOutputError{Raw: raw, Err: err}
}

// StripFences removes a surrounding ```lang ... ``` block if present.
func StripFences(raw string) string {
	text := strings.TrimSpace(raw)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	if nl := strings.IndexByte(text, '\n'); nl >= 0 {
		text = text[nl+1:]
	} else {
		text = strings.TrimLeft(text, "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ")
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}

// trim cuts value to at most max bytes without splitting a rune.
func trim(value string, max int) string {
	if len(value) <= max {
		return value
	}
	for max > 0 && !utf8.RuneStart(value[max]) {
		max--
	}
	return value[:max] + "...(truncated)"
}
