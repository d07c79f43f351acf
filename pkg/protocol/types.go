package protocol

import (
	"fmt"
	"net/url"
)

// Mode selects the recognition endpoint. Each mode is tuned by the service for
// a different style of speech.
type Mode string

const (
	// ModeInteractive targets short command-like utterances.
	ModeInteractive Mode = "interactive"

	// ModeConversation targets conversational speech between people.
	ModeConversation Mode = "conversation"

	// ModeDictation targets long-form dictated text.
	ModeDictation Mode = "dictation"
)

// IsValid reports whether m is a recognised recognition mode.
func (m Mode) IsValid() bool {
	switch m {
	case ModeInteractive, ModeConversation, ModeDictation:
		return true
	}
	return false
}

// Format selects the shape of speech.phrase payloads returned by the service.
type Format string

const (
	// FormatSimple returns the recognized text in the DisplayText field.
	FormatSimple Format = "simple"

	// FormatDetailed returns an NBest list of alternatives.
	FormatDetailed Format = "detailed"
)

// IsValid reports whether f is a recognised response format.
func (f Format) IsValid() bool {
	return f == FormatSimple || f == FormatDetailed
}

// DefaultEndpoints maps each recognition mode to its service endpoint.
var DefaultEndpoints = map[Mode]string{
	ModeInteractive:  "wss://speech.platform.bing.com/speech/recognition/interactive/cognitiveservices/v1",
	ModeConversation: "wss://speech.platform.bing.com/speech/recognition/conversation/cognitiveservices/v1",
	ModeDictation:    "wss://speech.platform.bing.com/speech/recognition/dictation/cognitiveservices/v1",
}

// EndpointURL appends the language and format query parameters to base.
func EndpointURL(base, language string, format Format) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("protocol: parse endpoint %q: %w", base, err)
	}
	q := u.Query()
	q.Set("language", language)
	q.Set("format", string(format))
	u.RawQuery = q.Encode()
	return u.String(), nil
}
