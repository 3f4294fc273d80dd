package engine

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestErrorLog_RateLimitsPerCategory(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	l := newErrorLog(logger, map[time.Duration]int{time.Minute: 2})

	for i := 0; i < 5; i++ {
		l.warn(logParse, "bad metadata", "i", i)
	}
	l.error(logStore, "flush failed")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 3, "two parse lines and one store line")
	assert.Contains(t, lines[0], "category=parse")
	assert.Contains(t, lines[2], "category=store")
	assert.Contains(t, lines[2], "level=ERROR")
}

func TestErrorLog_NoRatesLogsEverything(t *testing.T) {
	var buf bytes.Buffer
	l := newErrorLog(slog.New(slog.NewTextHandler(&buf, nil)), nil)

	for i := 0; i < 10; i++ {
		l.warn(logTimeout, "slow")
	}
	assert.Equal(t, 10, strings.Count(buf.String(), "msg=slow"))
}

func TestStatusStrings(t *testing.T) {
	assert.Equal(t, "FailedInitStoreHandle", FailedInitStoreHandle.String())
	assert.Equal(t, "Status(42)", Status(42).String())
	assert.Equal(t, "invoking", StateInvoking.String())
	assert.Equal(t, "State(9)", State(9).String())
}
