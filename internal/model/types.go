package model

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// -----------------------------------------------------------------------------
// Kinds
// -----------------------------------------------------------------------------

// Kind identifies the type of an upstream frame.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindQuote
	KindAggregate
	KindHeartbeat
	KindInfo
	KindError
)

// Wire tags, element 0 of every frame.
const (
	TagQuote     = "Q"
	TagAggregate = "A"
	TagHeartbeat = "H"
	TagInfo      = "I"
	TagError     = "E"
)

// KindFromTag maps a wire tag to its Kind.
func KindFromTag(tag string) (Kind, bool) {
	switch tag {
	case TagQuote:
		return KindQuote, true
	case TagAggregate:
		return KindAggregate, true
	case TagHeartbeat:
		return KindHeartbeat, true
	case TagInfo:
		return KindInfo, true
	case TagError:
		return KindError, true
	default:
		return KindUnknown, false
	}
}

// Tag returns the wire tag for k, or "" for KindUnknown.
func (k Kind) Tag() string {
	switch k {
	case KindQuote:
		return TagQuote
	case KindAggregate:
		return TagAggregate
	case KindHeartbeat:
		return TagHeartbeat
	case KindInfo:
		return TagInfo
	case KindError:
		return TagError
	default:
		return ""
	}
}

func (k Kind) String() string {
	switch k {
	case KindQuote:
		return "quote"
	case KindAggregate:
		return "aggregate"
	case KindHeartbeat:
		return "heartbeat"
	case KindInfo:
		return "info"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Relayable reports whether events of this kind are fanned out to subscribers.
// Heartbeat, info and error frames terminate at the feed client.
func (k Kind) Relayable() bool {
	return k == KindQuote || k == KindAggregate
}

// -----------------------------------------------------------------------------
// Payloads
// -----------------------------------------------------------------------------

// Quote is the top-of-book payload of a "Q" frame.
type Quote struct {
	BidSize  decimal.Decimal
	BidPrice decimal.Decimal
	MidPrice decimal.Decimal
	AskSize  decimal.Decimal
	AskPrice decimal.Decimal
}

// Aggregate is the bar payload of an "A" frame.
type Aggregate struct {
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume decimal.Decimal
}

// -----------------------------------------------------------------------------
// Event
// -----------------------------------------------------------------------------

// Event is one decoded upstream tick or control frame.
type Event struct {
	Kind       Kind
	Feed       string    // Feed the frame arrived on (e.g. "fx", "crypto")
	ServiceID  string    // Element 1 of the frame
	Instrument string    // Lowercase symbol, empty for heartbeat/info/error
	Timestamp  time.Time // Upstream timestamp
	ReceivedAt time.Time // Local time the frame was read

	Quote     Quote     // Set when Kind == KindQuote
	Aggregate Aggregate // Set when Kind == KindAggregate
	Message   string    // Set for info and error frames

	// Frame exactly as received. Nil for events built in code.
	raw []byte
}

// NewQuote builds a quote event from typed values.
func NewQuote(serviceID, instrument string, ts time.Time, q Quote) Event {
	return Event{
		Kind:       KindQuote,
		ServiceID:  serviceID,
		Instrument: NormalizeSymbol(instrument),
		Timestamp:  ts,
		Quote:      q,
	}
}

// NewAggregate builds an aggregate event from typed values.
func NewAggregate(serviceID, instrument string, ts time.Time, a Aggregate) Event {
	return Event{
		Kind:       KindAggregate,
		ServiceID:  serviceID,
		Instrument: NormalizeSymbol(instrument),
		Timestamp:  ts,
		Aggregate:  a,
	}
}

// WithFeed returns a copy of e tagged with the feed name.
func (e Event) WithFeed(feed string) Event {
	e.Feed = feed
	return e
}

// MarshalJSON encodes the event as its positional wire array. Decoded events
// return the upstream frame byte for byte; callers must not modify it.
// Passing an Event through json.Marshal compacts and HTML-escapes the
// output, so relays call MarshalJSON directly.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.raw != nil {
		return e.raw, nil
	}

	fields := e.encodeFields()

	size := 2
	for _, f := range fields {
		size += len(f) + 1
	}

	var buf bytes.Buffer
	buf.Grow(size)
	buf.WriteByte('[')
	for i, f := range fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(f)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// encodeFields renders typed values in wire order.
func (e Event) encodeFields() []json.RawMessage {
	fields := []json.RawMessage{quoteString(e.Kind.Tag())}

	switch e.Kind {
	case KindQuote:
		q := e.Quote
		fields = append(fields,
			quoteString(e.ServiceID),
			quoteString(e.Instrument),
			json.RawMessage(strconv.FormatInt(e.Timestamp.UnixNano(), 10)),
			decimalField(q.BidSize),
			decimalField(q.BidPrice),
			decimalField(q.MidPrice),
			decimalField(q.AskSize),
			decimalField(q.AskPrice),
		)
	case KindAggregate:
		a := e.Aggregate
		fields = append(fields,
			quoteString(e.ServiceID),
			quoteString(e.Instrument),
			json.RawMessage(strconv.FormatInt(e.Timestamp.UnixNano(), 10)),
			decimalField(a.Open),
			decimalField(a.High),
			decimalField(a.Low),
			decimalField(a.Close),
			decimalField(a.Volume),
		)
	case KindInfo, KindError:
		fields = append(fields, quoteString(e.Message))
	}

	return fields
}

// NormalizeSymbol trims and lowercases an instrument symbol.
func NormalizeSymbol(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func quoteString(s string) json.RawMessage {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.Encode(s)
	return bytes.TrimRight(buf.Bytes(), "\n")
}

func decimalField(d decimal.Decimal) json.RawMessage {
	return json.RawMessage(d.String())
}
