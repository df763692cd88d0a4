package safego

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGoRunsFunction(t *testing.T) {
	done := make(chan struct{})
	Go(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("goroutine never ran")
	}
}

func TestGoNamedRecoversPanic(t *testing.T) {
	ran := make(chan struct{})
	assert.NotPanics(t, func() {
		GoNamed("exploding-worker", func() {
			defer close(ran)
			panic("boom")
		})
		select {
		case <-ran:
		case <-time.After(time.Second):
			t.Fatal("goroutine never ran")
		}
		// The panic is recovered inside the goroutine; give the deferred
		// recovery a moment so the test does not race process teardown.
		time.Sleep(10 * time.Millisecond)
	})
}
