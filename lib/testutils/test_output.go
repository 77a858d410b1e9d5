package testutils

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/liuxd6825/k6bidi/log"
)

// Something that makes the test also be a valid io.Writer, useful for passing it
// as an output for logs and CLI flag help messages...
type testOutput struct{ testing.TB }

func (to testOutput) Write(p []byte) (n int, err error) {
	to.Logf("%s", p)

	return len(p), nil
}

// NewTestOutput returns a simple io.Writer implementation that uses the test's
// logger as an output.
func NewTestOutput(t testing.TB) io.Writer {
	return testOutput{t}
}

// NewLogger returns a debug level category logger writing to t.Logf and the
// hook recording its entries.
func NewLogger(t testing.TB) (*log.Logger, *SimpleLogrusHook) {
	l := logrus.New()
	l.SetOutput(NewTestOutput(t))
	l.SetLevel(logrus.DebugLevel)
	hook := NewLogHook()
	l.AddHook(hook)

	return log.New(l, nil), hook
}
