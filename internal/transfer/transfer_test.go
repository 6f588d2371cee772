package transfer

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransitionFiresStateChange(t *testing.T) {
	var got []StateChange
	var mu sync.Mutex
	tr := New(Download, "alice", "song.mp3", 1, 100, Observer{
		OnStateChanged: func(c StateChange) {
			mu.Lock()
			got = append(got, c)
			mu.Unlock()
		},
	})

	tr.Transition(StateQueued, nil)
	tr.Transition(StateInProgress, nil)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, got, 2)
	assert.Equal(t, StateRequested, got[0].From)
	assert.Equal(t, StateQueued, got[0].To)
	assert.Equal(t, StateQueued, got[1].From)
	assert.Equal(t, StateInProgress, got[1].To)
	assert.Equal(t, StateInProgress, tr.State())
}

func TestTransitionOutOfTerminalStateIsNoop(t *testing.T) {
	var count int
	tr := New(Upload, "bob", "file.flac", 2, 50, Observer{
		OnStateChanged: func(c StateChange) { count++ },
	})

	tr.Transition(StateSucceeded, nil)
	tr.Transition(StateErrored, errors.New("too late"))

	assert.Equal(t, StateSucceeded, tr.State())
	assert.Equal(t, 1, count)
}

func TestProgressIsMonotone(t *testing.T) {
	var last int64
	tr := New(Download, "carol", "book.pdf", 3, 1000, Observer{
		OnProgress: func(_ *Transfer, n int64) { last = n },
	})

	tr.Progress(100)
	tr.Progress(50) // stale/out-of-order report must not regress the counter
	tr.Progress(200)

	assert.Equal(t, int64(200), tr.BytesTransferred())
	assert.Equal(t, int64(200), last)
}

func TestPanickingObserverDoesNotCorruptState(t *testing.T) {
	tr := New(Download, "dave", "x.bin", 4, 10, Observer{
		OnStateChanged: func(c StateChange) { panic("boom") },
	})

	assert.NotPanics(t, func() { tr.Transition(StateInProgress, nil) })
	assert.Equal(t, StateInProgress, tr.State())
}

func TestDirectionString(t *testing.T) {
	assert.Equal(t, "download", Download.String())
	assert.Equal(t, "upload", Upload.String())
}
