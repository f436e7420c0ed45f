package ingest

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain verifies no goroutine leaks occur during testing.
// This catches worker pool goroutines left running after a run returns.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// Ignore known background goroutines from testing infrastructure
		goleak.IgnoreTopFunction("testing.(*M).Run.func1"),
		goleak.IgnoreTopFunction("testing.tRunner"),
	)
}
