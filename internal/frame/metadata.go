package frame

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Metadata is the parsed form of a change event's metadata string.
type Metadata struct {
	Partition int16
	Seq       uint64
	DocType   string
	// Ack requests an upstream acknowledgement even if the event is skipped
	// as a duplicate.
	Ack bool
}

// ParseError reports malformed metadata. The router drops such messages.
type ParseError struct {
	Input  string
	Field  string
	Reason string
}

func (e *ParseError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("parse metadata %q: field %s: %s", e.Input, e.Field, e.Reason)
	}
	return fmt.Sprintf("parse metadata %q: %s", e.Input, e.Reason)
}

// IsParseError reports whether err is (or wraps) a ParseError.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

// ParseMetadata parses `vb=<p>;seq=<s>;type=<t>[;ack=<0|1>]`.
// Field order is free but every key may appear once.
func ParseMetadata(s string) (Metadata, error) {
	var m Metadata
	var seenVB, seenSeq, seenType, seenAck bool
	if s == "" {
		return m, &ParseError{Input: s, Reason: "empty"}
	}

	for _, field := range strings.Split(s, ";") {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			return Metadata{}, &ParseError{Input: s, Field: field, Reason: "missing '='"}
		}
		switch key {
		case "vb":
			if seenVB {
				return Metadata{}, &ParseError{Input: s, Field: key, Reason: "duplicate"}
			}
			seenVB = true
			n, err := strconv.ParseInt(value, 10, 16)
			if err != nil || n < 0 || n > math.MaxInt16 {
				return Metadata{}, &ParseError{Input: s, Field: key, Reason: "not a partition id"}
			}
			m.Partition = int16(n)
		case "seq":
			if seenSeq {
				return Metadata{}, &ParseError{Input: s, Field: key, Reason: "duplicate"}
			}
			seenSeq = true
			n, err := strconv.ParseUint(value, 10, 64)
			if err != nil || n == 0 {
				return Metadata{}, &ParseError{Input: s, Field: key, Reason: "not a positive sequence number"}
			}
			m.Seq = n
		case "type":
			if seenType {
				return Metadata{}, &ParseError{Input: s, Field: key, Reason: "duplicate"}
			}
			seenType = true
			if value == "" || strings.ContainsAny(value, ";=") {
				return Metadata{}, &ParseError{Input: s, Field: key, Reason: "invalid document type"}
			}
			m.DocType = value
		case "ack":
			if seenAck {
				return Metadata{}, &ParseError{Input: s, Field: key, Reason: "duplicate"}
			}
			seenAck = true
			switch value {
			case "0":
			case "1":
				m.Ack = true
			default:
				return Metadata{}, &ParseError{Input: s, Field: key, Reason: "must be 0 or 1"}
			}
		default:
			return Metadata{}, &ParseError{Input: s, Field: key, Reason: "unknown key"}
		}
	}

	switch {
	case !seenVB:
		return Metadata{}, &ParseError{Input: s, Field: "vb", Reason: "missing"}
	case !seenSeq:
		return Metadata{}, &ParseError{Input: s, Field: "seq", Reason: "missing"}
	case !seenType:
		return Metadata{}, &ParseError{Input: s, Field: "type", Reason: "missing"}
	}
	return m, nil
}

// FormatMetadata renders m in canonical field order.
func FormatMetadata(m Metadata) string {
	var b strings.Builder
	b.WriteString("vb=")
	b.WriteString(strconv.FormatInt(int64(m.Partition), 10))
	b.WriteString(";seq=")
	b.WriteString(strconv.FormatUint(m.Seq, 10))
	b.WriteString(";type=")
	b.WriteString(m.DocType)
	if m.Ack {
		b.WriteString(";ack=1")
	}
	return b.String()
}
