package waiter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompleteFulfilsWaiter(t *testing.T) {
	w := New(time.Second)
	defer w.Close()

	key := NewKey("GetPeerAddress", "alice")
	valueC, errC := w.Wait(context.Background(), key, 0)

	w.Complete(key, 42)

	select {
	case v := <-valueC:
		assert.Equal(t, 42, v)
	case err := <-errC:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for value")
	}
}

func TestThrowFailsWaiter(t *testing.T) {
	w := New(time.Second)
	defer w.Close()

	key := NewKey("GetPeerAddress", "bob")
	boom := assert.AnError
	_, errC := w.Wait(context.Background(), key, 0)

	w.Throw(key, boom)

	select {
	case err := <-errC:
		assert.ErrorIs(t, err, boom)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for error")
	}
}

func TestCompleteIsFIFOPerKey(t *testing.T) {
	w := New(time.Second)
	defer w.Close()

	key := NewKey("FileSearchResult", "token1")
	v1, _ := w.Wait(context.Background(), key, 0)
	v2, _ := w.Wait(context.Background(), key, 0)
	v3, _ := w.Wait(context.Background(), key, 0)

	w.Complete(key, "first")
	w.Complete(key, "second")
	w.Complete(key, "third")

	assertRecv(t, v1, "first")
	assertRecv(t, v2, "second")
	assertRecv(t, v3, "third")
}

func assertRecv(t *testing.T, c <-chan interface{}, want interface{}) {
	t.Helper()
	select {
	case v := <-c:
		assert.Equal(t, want, v)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for value")
	}
}

func TestCompleteWithNoWaiterIsSilent(t *testing.T) {
	w := New(time.Second)
	defer w.Close()

	assert.NotPanics(t, func() {
		w.Complete(NewKey("nobody-waiting"), "ignored")
	})
}

func TestWaitTimesOut(t *testing.T) {
	w := New(time.Second)
	defer w.Close()

	key := NewKey("GetPeerAddress", "slow")
	_, errC := w.Wait(context.Background(), key, 10*time.Millisecond)

	select {
	case err := <-errC:
		assert.ErrorIs(t, err, ErrTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("wait did not time out")
	}
}

func TestWaitCancellationFailsWithErrCancelled(t *testing.T) {
	w := New(time.Second)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	key := NewKey("GetPeerAddress", "cancel-me")
	_, errC := w.Wait(ctx, key, time.Minute)

	cancel()

	select {
	case err := <-errC:
		assert.ErrorIs(t, err, ErrCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("wait was not cancelled")
	}
}

func TestCancelAllFailsEveryPendingWait(t *testing.T) {
	w := New(time.Second)
	defer w.Close()

	_, err1 := w.Wait(context.Background(), NewKey("a"), time.Minute)
	_, err2 := w.Wait(context.Background(), NewKey("b"), time.Minute)

	w.CancelAll()

	require.ErrorIs(t, <-err1, ErrCancelled)
	require.ErrorIs(t, <-err2, ErrCancelled)
}

func TestWaitIndefinitelyDoesNotTimeOutQuickly(t *testing.T) {
	w := New(time.Second)
	defer w.Close()

	key := NewKey("long-poll")
	_, errC := w.WaitIndefinitely(context.Background(), key)

	select {
	case err := <-errC:
		t.Fatalf("unexpected early completion: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	w.Complete(key, nil)
}

// TestConcurrentEnqueueDuringCleanupRace stresses the existence/itemsMu
// two-lock design: one goroutine repeatedly completes-then-re-waits on
// a key while the monitor's sweep is concurrently trying to garbage
// collect the now-empty queue. Run with -race.
func TestConcurrentEnqueueDuringCleanupRace(t *testing.T) {
	w := New(5 * time.Millisecond)
	defer w.Close()

	key := NewKey("churn")
	var wg sync.WaitGroup
	const iterations = 200

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < iterations; i++ {
			valueC, _ := w.Wait(context.Background(), key, time.Second)
			w.Complete(key, i)
			<-valueC
		}
	}()

	wg.Wait()
}

func TestKeyStringIncludesDisambiguators(t *testing.T) {
	k := NewKey("FileSearchResult", "token1", "alice")
	assert.Contains(t, k.String(), "FileSearchResult")
	assert.Contains(t, k.String(), "token1")
	assert.Contains(t, k.String(), "alice")
}
