package protocol

import (
	"encoding/json"
	"errors"
)

// Event is a typed inbound message. The concrete types are [TurnStart],
// [SpeechStartDetected], [SpeechHypothesis], [SpeechPhrase],
// [SpeechEndDetected] and [TurnEnd].
type Event interface {
	// Path returns the Path header value the event was decoded from.
	Path() string
}

// RecognitionSuccess is the RecognitionStatus of a phrase that produced text.
const RecognitionSuccess = "Success"

type (
	// TurnStart opens a recognition turn.
	TurnStart struct{}

	// SpeechStartDetected marks the start of speech within the audio.
	SpeechStartDetected struct{}

	// SpeechEndDetected marks the end of speech within the audio.
	SpeechEndDetected struct{}

	// TurnEnd closes the current recognition turn.
	TurnEnd struct{}
)

func (TurnStart) Path() string           { return PathTurnStart }
func (SpeechStartDetected) Path() string { return PathSpeechStartDetected }
func (SpeechEndDetected) Path() string   { return PathSpeechEndDetected }
func (TurnEnd) Path() string             { return PathTurnEnd }

// SpeechHypothesis is an interim, non-final transcription guess.
type SpeechHypothesis struct {
	Text string

	// Offset and Duration are in 100-nanosecond ticks, zero if absent.
	Offset   int64
	Duration int64
}

func (SpeechHypothesis) Path() string { return PathSpeechHypothesis }

// NBestEntry is one alternative of a detailed phrase result.
type NBestEntry struct {
	Confidence float64
	Lexical    string
	ITN        string
	MaskedITN  string
	Display    string
}

// SpeechPhrase is the final result for a turn. Which text field is populated
// depends on the response [Format] the session was opened with; use
// [SpeechPhrase.FinalText] to extract it.
type SpeechPhrase struct {
	RecognitionStatus string
	DisplayText       string
	NBest             []NBestEntry
	Offset            int64
	Duration          int64

	hasDisplayText bool
	hasNBest       bool
	hasDisplay     bool
}

func (SpeechPhrase) Path() string { return PathSpeechPhrase }

// Succeeded reports whether the service recognised speech for this phrase.
func (p SpeechPhrase) Succeeded() bool {
	return p.RecognitionStatus == RecognitionSuccess
}

// FinalText returns the recognized text for format. A missing DisplayText
// (simple) or missing/empty NBest or first Display (detailed) is a
// [DecodeError]; the caller cannot proceed without the contracted field.
func (p SpeechPhrase) FinalText(format Format) (string, error) {
	switch format {
	case FormatSimple:
		if !p.hasDisplayText {
			return "", &DecodeError{Path: PathSpeechPhrase, Field: "DisplayText", Err: ErrMissingField}
		}
		return p.DisplayText, nil
	case FormatDetailed:
		if !p.hasNBest || len(p.NBest) == 0 {
			return "", &DecodeError{Path: PathSpeechPhrase, Field: "NBest", Err: ErrMissingField}
		}
		if !p.hasDisplay {
			return "", &DecodeError{Path: PathSpeechPhrase, Field: "NBest[0].Display", Err: ErrMissingField}
		}
		return p.NBest[0].Display, nil
	default:
		return "", &DecodeError{Path: PathSpeechPhrase, Err: errors.New("unknown response format " + string(format))}
	}
}

// Wire shapes with pointer fields so that absent and empty can be told apart.
type (
	hypothesisBody struct {
		Text     *string `json:"Text"`
		Offset   int64   `json:"Offset"`
		Duration int64   `json:"Duration"`
	}

	nbestBody struct {
		Confidence float64 `json:"Confidence"`
		Lexical    string  `json:"Lexical"`
		ITN        string  `json:"ITN"`
		MaskedITN  string  `json:"MaskedITN"`
		Display    *string `json:"Display"`
	}

	phraseBody struct {
		RecognitionStatus *string      `json:"RecognitionStatus"`
		DisplayText       *string      `json:"DisplayText"`
		NBest             *[]nbestBody `json:"NBest"`
		Offset            int64        `json:"Offset"`
		Duration          int64        `json:"Duration"`
	}
)

// ParseEvent converts a decoded frame into its typed [Event], validating the
// fields each event requires. Unknown paths yield an [UnexpectedEventError].
func ParseEvent(f *Frame) (Event, error) {
	switch f.Path {
	case PathTurnStart:
		return TurnStart{}, nil
	case PathSpeechStartDetected:
		return SpeechStartDetected{}, nil
	case PathSpeechEndDetected:
		return SpeechEndDetected{}, nil
	case PathTurnEnd:
		return TurnEnd{}, nil
	case PathSpeechHypothesis:
		var body hypothesisBody
		if err := unmarshalBody(f, &body); err != nil {
			return nil, err
		}
		if body.Text == nil {
			return nil, &DecodeError{Path: f.Path, Field: "Text", Err: ErrMissingField}
		}
		return SpeechHypothesis{Text: *body.Text, Offset: body.Offset, Duration: body.Duration}, nil
	case PathSpeechPhrase:
		var body phraseBody
		if err := unmarshalBody(f, &body); err != nil {
			return nil, err
		}
		if body.RecognitionStatus == nil {
			return nil, &DecodeError{Path: f.Path, Field: "RecognitionStatus", Err: ErrMissingField}
		}
		p := SpeechPhrase{
			RecognitionStatus: *body.RecognitionStatus,
			Offset:            body.Offset,
			Duration:          body.Duration,
		}
		if body.DisplayText != nil {
			p.DisplayText = *body.DisplayText
			p.hasDisplayText = true
		}
		if body.NBest != nil {
			p.hasNBest = true
			for i, nb := range *body.NBest {
				entry := NBestEntry{
					Confidence: nb.Confidence,
					Lexical:    nb.Lexical,
					ITN:        nb.ITN,
					MaskedITN:  nb.MaskedITN,
				}
				if nb.Display != nil {
					entry.Display = *nb.Display
					if i == 0 {
						p.hasDisplay = true
					}
				}
				p.NBest = append(p.NBest, entry)
			}
		}
		return p, nil
	default:
		return nil, &UnexpectedEventError{Path: f.Path}
	}
}

func unmarshalBody(f *Frame, v any) error {
	if len(f.Body) == 0 {
		return &DecodeError{Path: f.Path, Err: ErrMissingBody}
	}
	if err := json.Unmarshal(f.Body, v); err != nil {
		return &DecodeError{Path: f.Path, Err: errors.Join(ErrMalformedBody, err)}
	}
	return nil
}
