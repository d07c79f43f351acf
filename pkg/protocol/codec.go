// Package protocol implements the wire format of the streaming speech
// recognition service.
//
// Every WebSocket message is a frame made of a CRLF-delimited header block, a
// blank line and a body. Text frames carry a JSON body; binary frames carry raw
// audio and are prefixed with the byte length of their header block as a
// big-endian uint16. The Path header discriminates the message type.
//
// Encoding is deterministic for a given timestamp so that frames can be
// compared byte for byte in tests. Decoding tolerates both CRLF and bare LF
// line endings.
package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// Outbound message paths.
const (
	PathSpeechConfig = "speech.config"
	PathAudio        = "audio"
	PathTelemetry    = "telemetry"
)

// Inbound message paths.
const (
	PathTurnStart           = "turn.start"
	PathSpeechStartDetected = "speech.startDetected"
	PathSpeechHypothesis    = "speech.hypothesis"
	PathSpeechPhrase        = "speech.phrase"
	PathSpeechEndDetected   = "speech.endDetected"
	PathTurnEnd             = "turn.end"
)

// Header names used by the protocol.
const (
	HeaderPath         = "Path"
	HeaderContentType  = "Content-Type"
	HeaderRequestID    = "X-RequestId"
	HeaderConnectionID = "X-ConnectionId"
	HeaderTimestamp    = "X-Timestamp"
)

const (
	contentTypeJSON  = "application/json; charset=utf-8"
	contentTypeAudio = "audio/x-wav"
	crlf             = "\r\n"
)

// Header is one extra header line. Extra headers are written in the order given.
type Header struct {
	Key   string
	Value string
}

// Frame is a decoded inbound message.
type Frame struct {
	// Path is the value of the Path header.
	Path string

	// Headers holds every header of the frame, Path included.
	Headers map[string]string

	// Body is the raw body, nil when the frame had none.
	Body []byte

	// Binary reports whether the frame arrived as a binary message.
	Binary bool
}

// EncodeText builds a text frame for path with body serialised as JSON. Extra
// headers (typically X-RequestId or X-ConnectionId) are placed between
// Content-Type and X-Timestamp.
func EncodeText(path string, body any, ts time.Time, extra ...Header) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s body: %w", path, err)
	}

	var b bytes.Buffer
	b.Grow(128 + len(payload))
	writeHeader(&b, HeaderPath, path)
	writeHeader(&b, HeaderContentType, contentTypeJSON)
	for _, h := range extra {
		writeHeader(&b, h.Key, h.Value)
	}
	writeHeader(&b, HeaderTimestamp, Timestamp(ts))
	b.WriteString(crlf)
	b.Write(payload)
	return b.Bytes(), nil
}

// EncodeBinary builds a binary audio frame carrying payload for requestID.
func EncodeBinary(requestID string, payload []byte, ts time.Time) ([]byte, error) {
	var hdr bytes.Buffer
	writeHeader(&hdr, HeaderPath, PathAudio)
	writeHeader(&hdr, HeaderContentType, contentTypeAudio)
	writeHeader(&hdr, HeaderRequestID, requestID)
	writeHeader(&hdr, HeaderTimestamp, Timestamp(ts))
	if hdr.Len() > math.MaxUint16 {
		return nil, fmt.Errorf("protocol: encode audio: %w", ErrHeaderTooLarge)
	}

	out := make([]byte, 2, 2+hdr.Len()+len(crlf)+len(payload))
	binary.BigEndian.PutUint16(out, uint16(hdr.Len()))
	out = append(out, hdr.Bytes()...)
	out = append(out, crlf...)
	out = append(out, payload...)
	return out, nil
}

func writeHeader(b *bytes.Buffer, key, value string) {
	b.WriteString(key)
	b.WriteString(": ")
	b.WriteString(value)
	b.WriteString(crlf)
}

// Decode parses a raw WebSocket message into a [Frame]. isBinary selects the
// length-prefixed binary layout.
func Decode(data []byte, isBinary bool) (*Frame, error) {
	var (
		head []byte
		body []byte
	)
	if isBinary {
		if len(data) < 2 {
			return nil, &DecodeError{Err: fmt.Errorf("%w: binary frame shorter than length prefix", ErrMalformedHeader)}
		}
		n := int(binary.BigEndian.Uint16(data))
		if 2+n > len(data) {
			return nil, &DecodeError{Err: fmt.Errorf("%w: header length %d exceeds frame", ErrMalformedHeader, n)}
		}
		head = data[2 : 2+n]
		body = data[2+n:]
		switch {
		case bytes.HasPrefix(body, []byte(crlf)):
			body = body[2:]
		case bytes.HasPrefix(body, []byte("\n")):
			body = body[1:]
		}
	} else {
		head, body = splitHead(data)
	}

	headers, err := parseHeaders(head)
	if err != nil {
		return nil, err
	}
	path, ok := headers[HeaderPath]
	if !ok || path == "" {
		return nil, &DecodeError{Err: ErrMissingPath}
	}
	if len(body) == 0 {
		body = nil
	}
	return &Frame{Path: path, Headers: headers, Body: body, Binary: isBinary}, nil
}

// splitHead splits a text frame at the first blank line, whichever line ending
// the sender used.
func splitHead(data []byte) (head, body []byte) {
	crlfAt := bytes.Index(data, []byte("\r\n\r\n"))
	lfAt := bytes.Index(data, []byte("\n\n"))
	switch {
	case crlfAt >= 0 && (lfAt < 0 || crlfAt < lfAt):
		return data[:crlfAt], data[crlfAt+4:]
	case lfAt >= 0:
		return data[:lfAt], data[lfAt+2:]
	default:
		return data, nil
	}
}

func parseHeaders(head []byte) (map[string]string, error) {
	headers := make(map[string]string)
	for _, line := range strings.Split(string(head), "\n") {
		line = strings.TrimSuffix(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, &DecodeError{Path: headers[HeaderPath], Err: fmt.Errorf("%w: %q", ErrMalformedHeader, line)}
		}
		headers[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return headers, nil
}
