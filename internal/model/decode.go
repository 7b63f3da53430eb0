package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Decode errors
var (
	ErrEmptyFrame     = errors.New("empty frame")
	ErrUnknownTag     = errors.New("unknown type tag")
	ErrMalformedFrame = errors.New("malformed frame")
)

// tickFieldCount is the number of positional elements in Q and A frames.
const tickFieldCount = 9

// DecodeError describes a frame that could not be turned into an Event.
type DecodeError struct {
	Tag    string // Type tag, if one could be read
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Tag != "" {
		return fmt.Sprintf("decode %q frame: %s", e.Tag, e.Reason)
	}
	return "decode frame: " + e.Reason
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// DecodeFrame parses one upstream frame.
func DecodeFrame(data []byte) (Event, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return Event{}, &DecodeError{Reason: "no data", Err: ErrEmptyFrame}
	}

	var fields []json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Event{}, &DecodeError{Reason: "not a json array: " + err.Error(), Err: ErrMalformedFrame}
	}
	if len(fields) == 0 {
		return Event{}, &DecodeError{Reason: "no elements", Err: ErrEmptyFrame}
	}

	var tag string
	if err := json.Unmarshal(fields[0], &tag); err != nil {
		return Event{}, &DecodeError{Reason: "type tag is not a string", Err: ErrMalformedFrame}
	}

	kind, ok := KindFromTag(tag)
	if !ok {
		return Event{}, &DecodeError{Tag: tag, Reason: "unrecognized tag", Err: ErrUnknownTag}
	}

	raw := bytes.Clone(data)
	switch kind {
	case KindQuote, KindAggregate:
		return decodeTick(kind, tag, fields, raw)
	case KindHeartbeat:
		return Event{Kind: KindHeartbeat, raw: raw}, nil
	default:
		return Event{Kind: kind, Message: messageText(fields[1:]), raw: raw}, nil
	}
}

// decodeTick decodes the shared layout of Q and A frames.
func decodeTick(kind Kind, tag string, fields []json.RawMessage, raw []byte) (Event, error) {
	if len(fields) < tickFieldCount {
		return Event{}, &DecodeError{
			Tag:    tag,
			Reason: fmt.Sprintf("%d elements, want %d", len(fields), tickFieldCount),
			Err:    ErrMalformedFrame,
		}
	}

	fail := func(field string, err error) (Event, error) {
		return Event{}, &DecodeError{
			Tag:    tag,
			Reason: fmt.Sprintf("%s: %v", field, err),
			Err:    errors.Join(ErrMalformedFrame, err),
		}
	}

	var symbol string
	if err := json.Unmarshal(fields[2], &symbol); err != nil {
		return fail("symbol", err)
	}
	symbol = NormalizeSymbol(symbol)
	if symbol == "" {
		return fail("symbol", errors.New("empty"))
	}

	ts, err := parseTimestamp(fields[3])
	if err != nil {
		return fail("timestamp", err)
	}

	var values [5]decimal.Decimal
	for i := range values {
		d, err := parseDecimal(fields[4+i])
		if err != nil {
			return fail(fmt.Sprintf("element %d", 4+i), err)
		}
		values[i] = d
	}

	ev := Event{
		Kind:       kind,
		ServiceID:  rawText(fields[1]),
		Instrument: symbol,
		Timestamp:  ts,
		raw:        raw,
	}

	if kind == KindQuote {
		ev.Quote = Quote{
			BidSize:  values[0],
			BidPrice: values[1],
			MidPrice: values[2],
			AskSize:  values[3],
			AskPrice: values[4],
		}
	} else {
		ev.Aggregate = Aggregate{
			Open:   values[0],
			High:   values[1],
			Low:    values[2],
			Close:  values[3],
			Volume: values[4],
		}
	}

	return ev, nil
}

// parseTimestamp accepts integer nanoseconds or an RFC 3339 string.
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, err
		}
		return time.Parse(time.RFC3339Nano, s)
	}

	text := string(raw)
	if n, err := strconv.ParseInt(text, 10, 64); err == nil {
		return time.Unix(0, n), nil
	}

	// Exponent form, e.g. 1.69e18.
	d, err := decimal.NewFromString(text)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, d.IntPart()), nil
}

// parseDecimal accepts a JSON number, a numeric string, or null (zero).
func parseDecimal(raw json.RawMessage) (decimal.Decimal, error) {
	text := string(raw)
	if text == "null" {
		return decimal.Zero, nil
	}
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return decimal.Decimal{}, err
		}
		text = s
	}
	return decimal.NewFromString(text)
}

// rawText returns a string element unquoted, anything else as literal JSON.
func rawText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func messageText(fields []json.RawMessage) string {
	if len(fields) == 0 {
		return ""
	}
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = rawText(f)
	}
	return strings.Join(parts, " ")
}
