package domain

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const DefaultMaxTextLength = 50000

// Request is the input accepted by the pipeline. Type selects which of the
// language fields apply.
type Request struct {
	Text           string `json:"text"`
	VoiceID        string `json:"voiceId"`
	Type           Type   `json:"type"`
	Language       string `json:"language,omitempty"`
	SourceLanguage string `json:"sourceLanguage,omitempty"`
	TargetLanguage string `json:"targetLanguage,omitempty"`
}

// ValidationError rejects a request before any ledger or upstream call.
type ValidationError struct {
	Field   string
	Message string
	// TooLong marks the length limit, reported as 413 at the HTTP boundary.
	TooLong bool
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Length is the metered size of the request: one per code point of the
// original text.
func (r Request) Length() int64 {
	return int64(utf8.RuneCountInString(r.Text))
}

// Normalize trims identifiers and applies the tts default language. Text is
// kept verbatim apart from the emptiness check.
func (r Request) Normalize(defaultLanguage string) Request {
	r.VoiceID = strings.TrimSpace(r.VoiceID)
	r.Type = Type(strings.ToLower(strings.TrimSpace(string(r.Type))))
	if r.Type == "" {
		r.Type = TypeTTS
	}
	r.Language = strings.TrimSpace(r.Language)
	r.SourceLanguage = strings.TrimSpace(r.SourceLanguage)
	r.TargetLanguage = strings.TrimSpace(r.TargetLanguage)
	if r.Type == TypeTTS && r.Language == "" {
		r.Language = defaultLanguage
	}
	return r
}

// Validate checks a normalized request.
func (r Request) Validate(maxLength int) error {
	if strings.TrimSpace(r.Text) == "" {
		return &ValidationError{Field: "text", Message: "text is required"}
	}
	if r.VoiceID == "" {
		return &ValidationError{Field: "voiceId", Message: "voice is required"}
	}
	switch r.Type {
	case TypeTTS:
	case TypeTranslateTTS:
		if r.SourceLanguage == "" || r.TargetLanguage == "" {
			return &ValidationError{Field: "language", Message: "source and target languages are required for translation"}
		}
	default:
		return &ValidationError{Field: "type", Message: fmt.Sprintf("unsupported generation type %q", r.Type)}
	}
	if maxLength <= 0 {
		maxLength = DefaultMaxTextLength
	}
	if length := r.Length(); length > int64(maxLength) {
		return &ValidationError{
			Field:   "text",
			Message: fmt.Sprintf("text is too long: %d characters, maximum is %d", length, maxLength),
			TooLong: true,
		}
	}
	return nil
}
