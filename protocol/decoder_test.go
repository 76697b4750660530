package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(d *Decoder) []Token {
	var ts []Token
	for {
		tok, ok := d.Next()
		if !ok {
			return ts
		}
		ts = append(ts, tok)
	}
}

func TestDecoderTokens(t *testing.T) {
	t.Parallel()
	d := &Decoder{}
	input := "{Heartbeat}{ok}{3_ok}{7_120}" +
		`{"N":22,"D1":1,"D2":0,"D3":1}` +
		"ERROR motor stalled\n{Heartbeat}"
	_, _ = d.Write([]byte(input))
	ts := drain(d)
	require.Len(t, ts, 7)
	assert.Equal(t, KindHeartbeat, ts[0].Kind)
	assert.Equal(t, KindAck, ts[1].Kind)
	assert.Equal(t, KindSeqAck, ts[2].Kind)
	assert.Equal(t, uint32(3), ts[2].Seq)
	assert.Equal(t, KindValue, ts[3].Kind)
	assert.Equal(t, uint32(7), ts[3].Seq)
	assert.Equal(t, 120, ts[3].Value)
	assert.Equal(t, KindMessage, ts[4].Kind)
	assert.Equal(t, int(OpLine), ts[4].Msg.N)
	require.NotNil(t, ts[4].Msg.D1)
	assert.Equal(t, 1, *ts[4].Msg.D1)
	assert.Equal(t, KindError, ts[5].Kind)
	assert.Equal(t, "motor stalled", ts[5].Text)
	assert.Equal(t, KindHeartbeat, ts[6].Kind)
}

// Feeding one byte at a time must yield the same token sequence
// as feeding the whole buffer at once.
func TestDecoderChunkIndependent(t *testing.T) {
	t.Parallel()
	input := "{Heartbeat}{ok}{12_ok}{12_419}" +
		`{"H":"5","N":21,"D1":33}` +
		"{Heartbeat}{Heartbeat}"

	whole := &Decoder{}
	_, _ = whole.Write([]byte(input))
	expect := drain(whole)
	require.NotEmpty(t, expect)

	bytewise := &Decoder{}
	var got []Token
	for i := 0; i < len(input); i++ {
		_, _ = bytewise.Write([]byte{input[i]})
		got = append(got, drain(bytewise)...)
	}
	assert.Equal(t, expect, got)
	assert.Equal(t, 0, bytewise.Buffered())
}

func TestDecoderConcatenatedHeartbeats(t *testing.T) {
	t.Parallel()
	d := &Decoder{}
	const n = 4
	for i := 0; i < n; i++ {
		_, _ = d.Write([]byte(HeartbeatToken))
	}
	ts := drain(d)
	require.Len(t, ts, n)
	for _, tok := range ts {
		assert.Equal(t, KindHeartbeat, tok.Kind)
	}
}

func TestDecoderPartialToken(t *testing.T) {
	t.Parallel()
	d := &Decoder{}
	_, _ = d.Write([]byte("{Heart"))
	_, ok := d.Next()
	assert.False(t, ok)
	_, _ = d.Write([]byte("beat}{o"))
	tok, ok := d.Next()
	require.True(t, ok)
	assert.Equal(t, KindHeartbeat, tok.Kind)
	_, ok = d.Next()
	assert.False(t, ok)
	_, _ = d.Write([]byte("k}"))
	tok, ok = d.Next()
	require.True(t, ok)
	assert.Equal(t, KindAck, tok.Kind)
}

func TestDecoderMalformedSpanDiscarded(t *testing.T) {
	t.Parallel()
	d := &Decoder{}
	_, _ = d.Write([]byte(`{#$%}{ok}`))
	ts := drain(d)
	require.Len(t, ts, 2)
	assert.Equal(t, KindGarbage, ts[0].Kind)
	assert.Equal(t, `{#$%}`, ts[0].Text)
	assert.Equal(t, KindAck, ts[1].Kind)
	assert.Equal(t, uint32(1), d.Garbage())
}

func TestDecoderErrorBoundaries(t *testing.T) {
	t.Parallel()
	// terminated by next brace
	d := &Decoder{}
	_, _ = d.Write([]byte("ERROR no power{ok}"))
	ts := drain(d)
	require.Len(t, ts, 2)
	assert.Equal(t, KindError, ts[0].Kind)
	assert.Equal(t, "no power", ts[0].Text)
	assert.Equal(t, KindAck, ts[1].Kind)

	// terminated by end of buffer
	d = &Decoder{}
	_, _ = d.Write([]byte("ERROR low battery"))
	ts = drain(d)
	require.Len(t, ts, 1)
	assert.Equal(t, "low battery", ts[0].Text)
	assert.Equal(t, 0, d.Buffered())
}

func TestDecoderSkipsJunk(t *testing.T) {
	t.Parallel()
	d := &Decoder{}
	_, _ = d.Write([]byte("\r\n??{ok}"))
	ts := drain(d)
	require.Len(t, ts, 1)
	assert.Equal(t, KindAck, ts[0].Kind)
}
