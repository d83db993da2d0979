package main

import (
	"context"
	"testing"
)

func TestStageReturnIsFatalWhileRunning(t *testing.T) {
	if !stageFatal(context.Background()) {
		t.Fatal("a stage returning while the process runs must be fatal, even without an error")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if stageFatal(ctx) {
		t.Fatal("stage returns during shutdown must not be fatal")
	}
}
