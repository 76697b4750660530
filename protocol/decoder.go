package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
)

// HeartbeatToken is the liveness literal. The car sends it periodically
// and closes the connection unless it is echoed back verbatim.
const HeartbeatToken = "{Heartbeat}"

// ErrorMark starts a free-text error record, terminated by newline,
// the next brace or end of buffer.
const ErrorMark = "ERROR"

type TokenKind uint8

const (
	KindInvalid TokenKind = iota
	KindHeartbeat
	KindAck     // {ok}
	KindSeqAck  // {seq_ok}
	KindValue   // {seq_value}, meaning depends on pending sensor request
	KindMessage // structured JSON span
	KindError   // ERROR free text
	KindGarbage // complete brace span that matched nothing, consumed
)

func (k TokenKind) String() string {
	switch k {
	case KindHeartbeat:
		return "heartbeat"
	case KindAck:
		return "ack"
	case KindSeqAck:
		return "seqack"
	case KindValue:
		return "value"
	case KindMessage:
		return "message"
	case KindError:
		return "error"
	case KindGarbage:
		return "garbage"
	}
	return "invalid"
}

type Token struct {
	Msg   *Message // KindMessage
	Text  string   // KindError text, KindGarbage raw span
	Seq   uint32   // KindSeqAck, KindValue
	Value int      // KindValue
	Kind  TokenKind
}

func (t Token) String() string {
	switch t.Kind {
	case KindSeqAck:
		return fmt.Sprintf("(seqack seq=%d)", t.Seq)
	case KindValue:
		return fmt.Sprintf("(value seq=%d value=%d)", t.Seq, t.Value)
	case KindMessage:
		return fmt.Sprintf("(message n=%d)", t.Msg.N)
	case KindError, KindGarbage:
		return fmt.Sprintf("(%s %q)", t.Kind, t.Text)
	}
	return "(" + t.Kind.String() + ")"
}

var (
	reSeqAck = regexp.MustCompile(`^(\d+)_ok$`)
	reValue  = regexp.MustCompile(`^(\d+)_(\d+)$`)
)

// Decoder splits the raw inbound byte stream into tokens. Write appends
// bytes, Next extracts the longest recognizable prefix token; incomplete
// tokens stay buffered until more bytes arrive. Token order is
// independent of how the input was chunked.
//
// The decoder holds no correlation state, only the buffer and a counter
// of discarded malformed spans.
type Decoder struct {
	buf     bytes.Buffer
	garbage uint32
}

func (d *Decoder) Write(p []byte) (int, error) { return d.buf.Write(p) }

// Buffered reports bytes waiting for a complete token.
func (d *Decoder) Buffered() int { return d.buf.Len() }

// Garbage counts malformed brace spans consumed so far.
func (d *Decoder) Garbage() uint32 { return d.garbage }

// Next returns the next complete token, or ok=false when the buffer
// holds no complete token yet.
func (d *Decoder) Next() (Token, bool) {
	for {
		b := d.buf.Bytes()
		if len(b) == 0 {
			return Token{}, false
		}

		if bytes.HasPrefix(b, []byte(HeartbeatToken)) {
			d.buf.Next(len(HeartbeatToken))
			return Token{Kind: KindHeartbeat}, true
		}

		if bytes.HasPrefix(b, []byte(ErrorMark)) {
			text := b[len(ErrorMark):]
			end := len(text)
			if i := bytes.IndexAny(text, "\n{"); i >= 0 {
				end = i
			}
			tok := Token{Kind: KindError, Text: string(bytes.TrimSpace(text[:end]))}
			d.buf.Next(len(ErrorMark) + end)
			return tok, true
		}

		if b[0] == '{' {
			i := bytes.IndexByte(b, '}')
			if i < 0 {
				return Token{}, false // unterminated span, wait for more
			}
			span := string(b[:i+1])
			d.buf.Next(i + 1)
			return d.classifySpan(span), true
		}

		// Leading bytes recognizable by no rule: skip to the next
		// possible token start, keeping a partial ErrorMark tail.
		if n := junkLen(b); n > 0 {
			d.buf.Next(n)
			continue
		}
		return Token{}, false // partial ErrorMark prefix, wait for more
	}
}

func (d *Decoder) classifySpan(span string) Token {
	inner := span[1 : len(span)-1]
	if inner == "ok" {
		return Token{Kind: KindAck}
	}
	if m := reSeqAck.FindStringSubmatch(inner); m != nil {
		seq, _ := strconv.ParseUint(m[1], 10, 32)
		return Token{Kind: KindSeqAck, Seq: uint32(seq)}
	}
	if m := reValue.FindStringSubmatch(inner); m != nil {
		seq, _ := strconv.ParseUint(m[1], 10, 32)
		value, _ := strconv.Atoi(m[2])
		return Token{Kind: KindValue, Seq: uint32(seq), Value: value}
	}
	msg := new(Message)
	if err := json.Unmarshal([]byte(span), msg); err == nil {
		return Token{Kind: KindMessage, Msg: msg}
	}
	d.garbage++
	return Token{Kind: KindGarbage, Text: span}
}

// junkLen returns how many leading bytes cannot start any token.
// Returns 0 when the whole buffer is a proper prefix of ErrorMark.
func junkLen(b []byte) int {
	for i := 0; i < len(b); i++ {
		if b[i] == '{' {
			return i
		}
		rest := b[i:]
		if bytes.HasPrefix(rest, []byte(ErrorMark)) ||
			(len(rest) < len(ErrorMark) && bytes.HasPrefix([]byte(ErrorMark), rest)) {
			return i
		}
	}
	return len(b)
}
