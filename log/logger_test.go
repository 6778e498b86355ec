package log

import (
	"bytes"
	"io"
	"regexp"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.bctree.io/bctree/lib/testutils"
)

func TestCategoryFilter(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := logrus.New()
	log.SetOutput(&buf)
	log.SetLevel(logrus.DebugLevel)

	l := New(log, false, regexp.MustCompile(`^Context:`))
	l.Debugf("Context:Attach", "cid:%d", 1)
	l.Debugf("Set:Unsubscribe", "sid:%d", 2)

	out := buf.String()
	assert.Contains(t, out, "Context:Attach")
	assert.NotContains(t, out, "Set:Unsubscribe")
}

func TestSetLevel(t *testing.T) {
	t.Parallel()

	l := NewNullLogger()
	require.NoError(t, l.SetLevel("debug"))
	assert.True(t, l.DebugMode())
	require.NoError(t, l.SetLevel("info"))
	assert.False(t, l.DebugMode())
	require.Error(t, l.SetLevel("nosuchlevel"))
}

func TestCategoryField(t *testing.T) {
	t.Parallel()

	hook := testutils.NewLogHook()
	log := logrus.New()
	log.SetOutput(io.Discard)
	log.AddHook(hook)
	log.SetLevel(logrus.DebugLevel)

	l := New(log, false, nil)
	l.Debugf("Set:Unsubscribe", "sid:%d epoch:%d", 7, 2)

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, "Set:Unsubscribe", entry.Data["category"])
	assert.True(t, testutils.LogContains(hook.Drain(), logrus.DebugLevel, "sid:7 epoch:2"))
}

func TestDebugOverride(t *testing.T) {
	t.Parallel()

	hook := testutils.NewLogHook()
	log := logrus.New()
	log.SetOutput(io.Discard)
	log.AddHook(hook)
	log.SetLevel(logrus.InfoLevel)

	l := New(log, true, nil)
	l.Debugf("Context:Attach", "cid:%d", 1)
	assert.NotEmpty(t, hook.Lines())

	l = New(log, false, nil)
	l.Debugf("Context:Attach", "cid:%d", 2)
	assert.Empty(t, hook.Drain())
}

func TestNilLoggerDoesNotPanic(t *testing.T) {
	t.Parallel()

	var l *Logger
	l.Debugf("Context:Attach", "cid:%d", 1)
}
