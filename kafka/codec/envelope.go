package codec

import "strings"

// Reserved header names. Application headers must not use the streamkit. prefix.
const (
	ReservedPrefix    = "streamkit."
	HeaderType        = ReservedPrefix + "type"
	HeaderContentType = ReservedPrefix + "content-type"
	HeaderMessageID   = ReservedPrefix + "message-id"
	HeaderPublishedAt = ReservedPrefix + "published-at"
)

// Content types.
const (
	ContentTypeJSON = "application/json"
)

// Headers are the metadata entries carried next to a payload.
// A header name appears at most once; order is not preserved.
type Headers map[string][]byte

// Get returns the value of name as a string, or "" if absent.
func (h Headers) Get(name string) string {
	return string(h[name])
}

// Set stores value under name.
func (h Headers) Set(name, value string) {
	h[name] = []byte(value)
}

// Clone returns a copy whose values do not alias h.
func (h Headers) Clone() Headers {
	out := make(Headers, len(h))
	for k, v := range h {
		out[k] = append([]byte(nil), v...)
	}
	return out
}

// Strings returns the headers as a string map, for logging.
func (h Headers) Strings() map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = string(v)
	}
	return out
}

// Envelope is the unit exchanged with the broker: an optional partitioning
// key, the encoded payload and its headers.
type Envelope struct {
	Key     []byte
	Payload []byte
	Headers Headers
}

// TypeName returns the type descriptor header, or "" if absent.
func (e *Envelope) TypeName() string {
	if e == nil {
		return ""
	}
	return e.Headers.Get(HeaderType)
}

// IsTombstone reports whether the envelope carries no payload.
func (e *Envelope) IsTombstone() bool {
	return e == nil || len(e.Payload) == 0
}

// WithHeaders copies extra into the envelope headers without overwriting
// reserved entries.
func (e *Envelope) WithHeaders(extra map[string]string) *Envelope {
	if e.Headers == nil {
		e.Headers = make(Headers, len(extra))
	}
	for k, v := range extra {
		if isReserved(k) {
			continue
		}
		e.Headers.Set(k, v)
	}
	return e
}

// Copy returns a deep copy of the envelope.
func (e *Envelope) Copy() *Envelope {
	return &Envelope{
		Key:     append([]byte(nil), e.Key...),
		Payload: append([]byte(nil), e.Payload...),
		Headers: e.Headers.Clone(),
	}
}

func isReserved(name string) bool {
	return strings.HasPrefix(name, ReservedPrefix)
}
