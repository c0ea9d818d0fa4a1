package log

import (
	"go.uber.org/zap/zaptest"
)

// NewTestLogger returns a Logger that writes to the test's log output at debug level.
func NewTestLogger(tb zaptest.TestingT) Logger {
	return &zapLogger{core: zaptest.NewLogger(tb)}
}
