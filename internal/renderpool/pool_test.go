package renderpool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The protocol worker used in tests echoes one JSON response per input
// line. A tiny shell loop is enough; the pool only cares about the framing.
func echoPool(t *testing.T, size int) *Pool {
	t.Helper()
	p := New(Config{
		Size:    size,
		Command: []string{"sh", "-c", `while read line; do echo '{"status":"ok"}'; done`},
		Timeout: 5 * time.Second,
	})
	p.Start()
	t.Cleanup(p.Close)
	return p
}

func TestSubmitRoundTrip(t *testing.T) {
	p := echoPool(t, 2)

	resp, err := p.Submit(context.Background(), Request{
		OutputFile: "/tmp/tile.png",
		Z:          4, X: 5, Y: 6,
		Layer: "parcels",
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Status)

	_, _, served, failed := p.Stats()
	assert.EqualValues(t, 1, served)
	assert.EqualValues(t, 0, failed)
}

func TestSubmitErrorStatus(t *testing.T) {
	p := New(Config{
		Size:    1,
		Command: []string{"sh", "-c", `while read line; do echo '{"status":"error","message":"boom"}'; done`},
		Timeout: 5 * time.Second,
	})
	p.Start()
	t.Cleanup(p.Close)

	resp, err := p.Submit(context.Background(), Request{Layer: "parcels"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, "error", resp.Status)
}

func TestCancelQueuedByPredicate(t *testing.T) {
	// No workers started: everything stays queued.
	p := New(Config{Size: 1, Command: []string{"true"}})
	t.Cleanup(p.Close)

	results := make(chan error, 2)
	submit := func(sid string) {
		go func() {
			_, err := p.Submit(context.Background(), Request{SessionID: sid})
			results <- err
		}()
	}
	submit("doomed")
	submit("doomed")

	// Wait for both to be queued.
	require.Eventually(t, func() bool {
		q, _, _, _ := p.Stats()
		return q == 2
	}, time.Second, 5*time.Millisecond)

	n := p.CancelQueued(func(r Request) bool { return r.SessionID == "doomed" })
	assert.Equal(t, 2, n)

	for i := 0; i < 2; i++ {
		select {
		case err := <-results:
			assert.ErrorIs(t, err, ErrAborted)
		case <-time.After(time.Second):
			t.Fatal("cancelled submit did not return")
		}
	}
}

func TestSubmitAfterClose(t *testing.T) {
	p := echoPool(t, 1)
	p.Close()
	_, err := p.Submit(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestSubmitContextCancelledWhileQueued(t *testing.T) {
	p := New(Config{Size: 1, Command: []string{"true"}})
	t.Cleanup(p.Close)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := p.Submit(ctx, Request{})
		done <- err
	}()
	require.Eventually(t, func() bool {
		q, _, _, _ := p.Stats()
		return q == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("submit did not observe cancellation")
	}
}
