package log2

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLevelFilter(t *testing.T) {
	t.Parallel()
	b := &strings.Builder{}
	l := NewWriter(b, LInfo)
	l.SetFlags(0)
	l.Debugf("hidden")
	l.Infof("shown")
	l.Errorf("also shown")
	out := b.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
	assert.Contains(t, out, "error: also shown")

	l.SetLevel(LDebug)
	l.Debugf("now visible")
	assert.Contains(t, b.String(), "debug: now visible")
}

func TestNilSafe(t *testing.T) {
	t.Parallel()
	var l *Log
	l.Debugf("ignored")
	l.Infof("ignored")
	l.Errorf("ignored")
	l.SetLevel(LDebug)
	assert.False(t, l.Enabled(LError))
	assert.Nil(t, l.Clone(LDebug))
}
