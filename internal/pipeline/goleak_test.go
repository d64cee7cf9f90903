package pipeline

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain verifies worker pools and merge goroutines shut down cleanly.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
		goleak.IgnoreTopFunction("sync.runtime_Semacquire"),
	)
}
