package log

import (
	"regexp"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerCategories(t *testing.T) {
	t.Parallel()

	lg, hook := test.NewNullLogger()
	lg.SetLevel(logrus.DebugLevel)
	l := New(lg, false, nil)

	l.Debugf("Session:Execute", "sid:%v method:%q", "S1", "Page.enable")
	l.Tracef("Session:Execute", "dropped below level")

	entries := hook.AllEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, `sid:S1 method:"Page.enable"`, entries[0].Message)
	assert.Equal(t, "Session:Execute", entries[0].Data["category"])
	assert.Contains(t, entries[0].Data, "elapsed")
	assert.Contains(t, entries[0].Data, "goroutine")
}

func TestLoggerCategoryFilter(t *testing.T) {
	t.Parallel()

	lg, hook := test.NewNullLogger()
	lg.SetLevel(logrus.DebugLevel)
	l := New(lg, false, regexp.MustCompile("^Network"))

	l.Infof("Connection:recvLoop", "filtered out")
	l.Infof("NetworkManager:onRequest", "kept")
	require.Len(t, hook.AllEntries(), 1)
	assert.Equal(t, "kept", hook.LastEntry().Message)

	require.NoError(t, l.SetCategoryFilter(""))
	l.Infof("Connection:recvLoop", "now kept")
	assert.Len(t, hook.AllEntries(), 2)

	assert.Error(t, l.SetCategoryFilter("("))
}

func TestLoggerDebugOverride(t *testing.T) {
	t.Parallel()

	lg, hook := test.NewNullLogger()
	lg.SetLevel(logrus.InfoLevel)

	New(lg, false, nil).Debugf("FrameManager:frameAttached", "hidden")
	assert.Empty(t, hook.AllEntries())

	New(lg, true, nil).Debugf("FrameManager:frameAttached", "shown")
	require.Len(t, hook.AllEntries(), 1)
	assert.Equal(t, "shown", hook.LastEntry().Message)
	assert.Equal(t, "0 ms", hook.LastEntry().Data["elapsed"])
}

func TestNilLogger(t *testing.T) {
	t.Parallel()

	var l *Logger
	assert.NotPanics(t, func() { l.Errorf("cat", "msg %d", 1) })
}
