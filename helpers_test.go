package yjsprovider

import "go.uber.org/zap"

// testLogger returns a silent logger for use in tests that need one but
// don't assert on log output.
func testLogger() *zap.Logger {
	return zap.NewNop()
}
