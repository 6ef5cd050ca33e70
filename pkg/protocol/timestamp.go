package protocol

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Timestamp is a server timestamp in Unix milliseconds. The backend sends
// numbers, numeric strings, or RFC 3339 strings; anything unparseable decodes
// as zero rather than failing the whole frame.
type Timestamp float64

// UnmarshalJSON implements [json.Unmarshaler].
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	*t = 0
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	var n float64
	if json.Unmarshal(data, &n) == nil {
		*t = Timestamp(n)
		return nil
	}
	var s string
	if json.Unmarshal(data, &s) != nil {
		return nil
	}
	s = strings.TrimSpace(s)
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		*t = Timestamp(f)
		return nil
	}
	if tm, err := time.Parse(time.RFC3339Nano, s); err == nil {
		*t = Timestamp(tm.UnixMilli())
	}
	return nil
}

// Time converts t to a [time.Time]. Zero or negative timestamps yield the
// zero time.
func (t Timestamp) Time() time.Time {
	if t <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(t))
}
