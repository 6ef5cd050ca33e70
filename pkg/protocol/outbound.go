package protocol

import (
	"fmt"

	"github.com/MrWong99/parley/pkg/transport"
)

// Outbound control message types.
const (
	TypeStartSession     = "START_SESSION"
	TypeEndSession       = "END_SESSION"
	TypePlaybackComplete = "PLAYBACK_COMPLETE"
	TypePing             = "PING"
	TypePong             = "PONG"
	TypeConfigUpdate     = "CONFIG_UPDATE"
)

// Outbound is a client control message. Fields are omitted when empty, so
// every message marshals as {"type": ...} plus its own payload.
type Outbound struct {
	Type     string `json:"type"`
	TenantID string `json:"tenantId,omitempty"`
	BotID    string `json:"botId,omitempty"`
	UserID   string `json:"userId,omitempty"`
	Voice    string `json:"voice,omitempty"`
	Language string `json:"language,omitempty"`
}

// StartSession opens the conversation once the socket is connected.
func StartSession(tenantID, botID, userID, voice, language string) Outbound {
	return Outbound{
		Type:     TypeStartSession,
		TenantID: tenantID,
		BotID:    botID,
		UserID:   userID,
		Voice:    voice,
		Language: language,
	}
}

// EndSession asks the server to end the conversation gracefully.
func EndSession() Outbound { return Outbound{Type: TypeEndSession} }

// PlaybackComplete tells the server the client finished speaking a turn.
func PlaybackComplete() Outbound { return Outbound{Type: TypePlaybackComplete} }

// Ping is the client keepalive.
func Ping() Outbound { return Outbound{Type: TypePing} }

// Pong answers a server ping.
func Pong() Outbound { return Outbound{Type: TypePong} }

// ConfigUpdate changes voice and/or language mid-call. Empty values are
// left unchanged.
func ConfigUpdate(voice, language string) Outbound {
	return Outbound{Type: TypeConfigUpdate, Voice: voice, Language: language}
}

// CloseText maps a close status to the text shown to the user.
func CloseText(code int, reason string) string {
	switch code {
	case transport.StatusInternalError:
		return "Voice service error"
	case transport.StatusPolicyViolation:
		return "Connection rejected (policy violation)"
	case transport.StatusUnsupportedData:
		return "Unsupported audio data"
	}
	if reason != "" {
		return reason
	}
	return fmt.Sprintf("Connection lost (code %d)", code)
}

// IsNormalClose reports whether code ends a session cleanly.
func IsNormalClose(code int) bool {
	return code == transport.StatusNormalClosure
}
