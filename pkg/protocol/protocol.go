// Package protocol is the wire codec for the voice socket.
//
// Inbound binary frames are always audio. Inbound text frames are JSON
// objects discriminated by a "type" field; [ParseText] maps each to a
// [Message] with a [Kind]. The backend is loose about field names, so several
// aliases are accepted for most fields.
//
// Outbound control messages are built with the constructors in outbound.go
// and marshalled with encoding/json.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/MrWong99/parley/pkg/transport"
)

// Kind classifies an inbound frame.
type Kind int

const (
	KindUnknown Kind = iota
	// KindAudio is a binary audio frame.
	KindAudio
	// KindSessionReady is "connected" or "session_ready".
	KindSessionReady
	// KindState carries the server-asserted turn-taking state.
	KindState
	// KindTranscription is the user's recognised speech.
	KindTranscription
	// KindResponseText is assistant text ("response_text", "response",
	// "assistant_message").
	KindResponseText
	// KindSentenceAudio is metadata whose audio arrives in the next binary frame.
	KindSentenceAudio
	// KindLegacyAudio is a self-contained base64 audio payload.
	KindLegacyAudio
	// KindInterrupted reports server-detected barge-in.
	KindInterrupted
	// KindConfigUpdated acknowledges a CONFIG_UPDATE.
	KindConfigUpdated
	// KindError is an error message that passed disambiguation.
	KindError
	// KindMisclassified is an "error" message that is really assistant text.
	KindMisclassified
	KindPing
	KindPong
)

var kindNames = [...]string{
	KindUnknown:        "unknown",
	KindAudio:          "audio",
	KindSessionReady:   "session_ready",
	KindState:          "state",
	KindTranscription:  "transcription",
	KindResponseText:   "response_text",
	KindSentenceAudio:  "sentence_audio",
	KindLegacyAudio:    "legacy_audio",
	KindInterrupted:    "interrupted",
	KindConfigUpdated:  "config_updated",
	KindError:          "error",
	KindMisclassified:  "misclassified",
	KindPing:           "ping",
	KindPong:           "pong",
}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// AudioMeta describes the payload of the next binary frame.
type AudioMeta struct {
	Text       string
	Format     string
	SampleRate int
	DurationMs float64
}

// ErrorInfo is the payload of an "error" message.
type ErrorInfo struct {
	Message string
	Code    string
	// Recoverable is false only when the server said so explicitly.
	Recoverable bool
	Timestamp   Timestamp
}

// Message is one parsed inbound frame. Only the fields relevant to Kind are
// populated.
type Message struct {
	Kind Kind
	// Type is the raw "type" value of a text frame.
	Type string

	SessionID string
	State     string
	Text      string
	Final     bool
	Voice     string
	Language  string

	// Timestamp is the server's send time, zero when absent.
	Timestamp Timestamp

	// Audio holds binary frame data or decoded base64 audio.
	Audio []byte
	// Meta is set for KindSentenceAudio and, when present, KindLegacyAudio.
	Meta AudioMeta
	// Error is set for KindError and KindMisclassified.
	Error ErrorInfo
}

// audioFields are scanned, in order, for base64 audio.
var audioFields = []string{"audio", "data", "audioData", "audio_data", "chunk", "payload"}

type wireMessage struct {
	Type string `json:"type"`

	SessionID      string `json:"sessionId"`
	SessionIDSnake string `json:"session_id"`

	State string `json:"state"`

	Text    string          `json:"text"`
	Message string          `json:"message"`
	Content string          `json:"content"`
	Error   json.RawMessage `json:"error"`

	IsFinal      *bool `json:"isFinal"`
	IsFinalSnake *bool `json:"is_final"`
	Final        *bool `json:"final"`

	Format          string  `json:"format"`
	SampleRate      float64 `json:"sampleRate"`
	SampleRateSnake float64 `json:"sample_rate"`
	DurationMs      float64 `json:"durationMs"`

	Voice    string `json:"voice"`
	Language string `json:"language"`

	ErrorCode      json.RawMessage `json:"errorCode"`
	ErrorCodeSnake json.RawMessage `json:"error_code"`
	Code           json.RawMessage `json:"code"`
	Recoverable    *bool           `json:"recoverable"`
	Timestamp      Timestamp       `json:"timestamp"`
}

// ParseFrame parses one socket frame.
func ParseFrame(typ transport.MessageType, data []byte) (Message, error) {
	if typ == transport.Binary {
		return Message{Kind: KindAudio, Audio: data}, nil
	}
	return ParseText(data)
}

// Classify returns the Kind of a frame. Unparseable text frames are
// [KindUnknown].
func Classify(typ transport.MessageType, data []byte) Kind {
	msg, err := ParseFrame(typ, data)
	if err != nil {
		return KindUnknown
	}
	return msg.Kind
}

// ParseText parses a JSON text frame.
func ParseText(data []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return Message{}, fmt.Errorf("protocol: decode frame: %w", err)
	}
	msg := Message{Type: strings.TrimSpace(w.Type), Timestamp: w.Timestamp}

	switch strings.ToLower(msg.Type) {
	case "connected", "session_ready":
		msg.Kind = KindSessionReady
		msg.SessionID = firstNonEmpty(w.SessionID, w.SessionIDSnake)

	case "state":
		msg.Kind = KindState
		msg.State = strings.ToLower(strings.TrimSpace(w.State))

	case "transcription":
		msg.Kind = KindTranscription
		msg.Text = w.Text
		msg.Final = firstBool(w.IsFinal, w.IsFinalSnake, w.Final)

	case "response_text", "response", "assistant_message":
		msg.Kind = KindResponseText
		msg.Text = firstNonEmpty(w.Text, w.Message, w.Content)
		msg.Final = true
		if b := firstBoolPtr(w.IsFinal, w.IsFinalSnake, w.Final); b != nil {
			msg.Final = *b
		}

	case "sentence_audio":
		msg.Kind = KindSentenceAudio
		msg.Meta = w.meta()
		msg.Text = msg.Meta.Text

	case "audio", "audio_chunk", "tts_audio":
		audio, err := scanAudio(data)
		if err != nil {
			return Message{}, err
		}
		msg.Kind = KindLegacyAudio
		msg.Audio = audio
		msg.Meta = w.meta()
		if len(audio) == 0 {
			msg.Kind = KindUnknown
		}

	case "interrupted":
		msg.Kind = KindInterrupted

	case "config_updated":
		msg.Kind = KindConfigUpdated
		msg.Voice = w.Voice
		msg.Language = w.Language

	case "error":
		msg.Error = w.errorInfo()
		msg.Text = msg.Error.Message
		msg.Kind = KindMisclassified
		if IsRealError(msg) {
			msg.Kind = KindError
		}

	case "ping":
		msg.Kind = KindPing

	case "pong":
		msg.Kind = KindPong

	default:
		// Unknown schema: the payload may still be audio.
		audio, err := scanAudio(data)
		if err == nil && len(audio) > 0 {
			msg.Kind = KindLegacyAudio
			msg.Audio = audio
			msg.Meta = w.meta()
		}
	}
	return msg, nil
}

func (w *wireMessage) meta() AudioMeta {
	rate := w.SampleRate
	if rate <= 0 {
		rate = w.SampleRateSnake
	}
	return AudioMeta{
		Text:       firstNonEmpty(w.Text, w.Message, w.Content),
		Format:     strings.ToLower(strings.TrimSpace(w.Format)),
		SampleRate: int(rate),
		DurationMs: w.DurationMs,
	}
}

// errorInfo flattens the error message shapes the backend is known to send:
// a top-level "message", a string "error", or an object "error".
func (w *wireMessage) errorInfo() ErrorInfo {
	info := ErrorInfo{
		Message:     firstNonEmpty(w.Message, w.Text),
		Code:        firstNonEmpty(rawString(w.ErrorCode), rawString(w.ErrorCodeSnake), rawString(w.Code)),
		Recoverable: w.Recoverable == nil || *w.Recoverable,
		Timestamp:   w.Timestamp,
	}
	if len(w.Error) > 0 && string(w.Error) != "null" {
		var s string
		if json.Unmarshal(w.Error, &s) == nil {
			if info.Message == "" {
				info.Message = s
			}
		} else {
			var nested struct {
				Message string          `json:"message"`
				Code    json.RawMessage `json:"code"`
			}
			if json.Unmarshal(w.Error, &nested) == nil {
				if info.Message == "" {
					info.Message = nested.Message
				}
				if info.Code == "" {
					info.Code = rawString(nested.Code)
				}
			}
		}
	}
	return info
}

// scanAudio looks for the first base64 audio field in a JSON object.
func scanAudio(data []byte) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("protocol: decode frame: %w", err)
	}
	for _, name := range audioFields {
		raw, ok := fields[name]
		if !ok {
			continue
		}
		var s string
		if json.Unmarshal(raw, &s) != nil || s == "" {
			continue
		}
		if b, err := decodeBase64(s); err == nil && len(b) > 0 {
			return b, nil
		}
	}
	return nil, nil
}

func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, ";base64,"); i >= 0 {
		s = s[i+len(";base64,"):]
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}

func present(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s != "" && s != "null" && s != `""`
}

// rawString renders a JSON string or number as text.
func rawString(raw json.RawMessage) string {
	if !present(raw) {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstBoolPtr(vals ...*bool) *bool {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

func firstBool(vals ...*bool) bool {
	if b := firstBoolPtr(vals...); b != nil {
		return *b
	}
	return false
}
