package protocol

import "regexp"

// errorKeywords matches text that reads like a genuine failure.
//
// The backend sometimes delivers ordinary assistant text with type "error".
// The keyword list was tuned against that backend and must not be extended
// or trimmed without re-checking its false-positive balance.
var errorKeywords = regexp.MustCompile(`(?i)error|fail|invalid|session|not found|unauthorized|timeout`)

// IsRealError reports whether an "error" message describes an actual
// failure. It does so when the message carries a strictly positive
// timestamp, an error code, or text matching the error keyword pattern.
// Anything else is assistant text that was mislabelled upstream.
func IsRealError(msg Message) bool {
	e := msg.Error
	if e.Timestamp > 0 {
		return true
	}
	if e.Code != "" {
		return true
	}
	return errorKeywords.MatchString(e.Message)
}
