package journal

// ============================================================================
// Journal Test File
// Purpose: Verify append, replay, checksum verification and sequence resume
// ============================================================================

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) (*Journal, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.journal")
	j, err := Open(path, true)
	require.NoError(t, err)
	return j, path
}

func TestAppendAndReplay(t *testing.T) {
	j, path := openTemp(t)

	seq, err := j.Append(EventConnect, "PCheckerProcess.0", "")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)
	_, err = j.Append(EventBug, "PCheckerProcess.0", "")
	require.NoError(t, err)
	_, err = j.Append(EventTrace, "PCheckerProcess.0", "Sample_0.txt")
	require.NoError(t, err)
	require.NoError(t, j.Close())

	var events []Event
	require.NoError(t, Replay(path, func(e Event) error {
		events = append(events, e)
		return nil
	}))

	require.Len(t, events, 3)
	for i, e := range events {
		assert.Equal(t, uint64(i+1), e.Seq)
		assert.NotZero(t, e.Timestamp)
	}
	assert.Equal(t, EventTrace, events[2].Type)
	assert.Equal(t, "Sample_0.txt", events[2].Detail)
}

// TestReopenResumesSequence tests that a reopened journal continues numbering
func TestReopenResumesSequence(t *testing.T) {
	j, path := openTemp(t)
	for i := 0; i < 3; i++ {
		_, err := j.Append(EventReport, "w", "")
		require.NoError(t, err)
	}
	require.NoError(t, j.Close())

	j2, err := Open(path, false)
	require.NoError(t, err)
	defer j2.Close()

	assert.Equal(t, uint64(3), j2.LastSeq())
	seq, err := j2.Append(EventComplete, "", "")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), seq)
}

func TestAppendAfterClose(t *testing.T) {
	j, _ := openTemp(t)
	require.NoError(t, j.Close())
	require.NoError(t, j.Close(), "close is idempotent")

	_, err := j.Append(EventConnect, "w", "")
	assert.ErrorIs(t, err, ErrClosed)
}

// TestReplayDetectsTampering tests that a modified record fails with a ChecksumError
func TestReplayDetectsTampering(t *testing.T) {
	j, path := openTemp(t)
	_, err := j.Append(EventConnect, "PCheckerProcess.0", "")
	require.NoError(t, err)
	require.NoError(t, j.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), "PCheckerProcess.0", "PCheckerProcess.9", 1)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0o644))

	err = Replay(path, func(Event) error { return nil })
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrChecksumMismatch)

	var ce *ChecksumError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, uint64(1), ce.Seq)
	assert.Contains(t, ce.Error(), "seq=1")
}

func TestReplayDetectsCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.journal")
	good := Event{Seq: 1, Type: EventConnect, Worker: "w"}
	good.Checksum = Checksum(good)
	line, err := json.Marshal(good)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, append(append(line, '\n'), []byte("{not json\n")...), 0o644))

	err = Replay(path, func(Event) error { return nil })
	assert.ErrorIs(t, err, ErrCorrupted)

	var ce *CorruptionError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, 2, ce.Line)

	_, err = Open(path, false)
	assert.Error(t, err, "opening a corrupted journal must fail")
}

func TestReplayHandlerErrorStops(t *testing.T) {
	j, path := openTemp(t)
	for i := 0; i < 5; i++ {
		_, err := j.Append(EventReport, "w", "")
		require.NoError(t, err)
	}
	require.NoError(t, j.Close())

	stop := errors.New("stop")
	seen := 0
	err := Replay(path, func(Event) error {
		seen++
		if seen == 2 {
			return stop
		}
		return nil
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 2, seen)
}

func TestConcurrentAppend(t *testing.T) {
	j, path := openTemp(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for k := 0; k < 25; k++ {
				_, err := j.Append(EventReport, "w", "")
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()
	require.NoError(t, j.Close())

	var last uint64
	count := 0
	require.NoError(t, Replay(path, func(e Event) error {
		assert.Equal(t, last+1, e.Seq)
		last = e.Seq
		count++
		return nil
	}))
	assert.Equal(t, 200, count)
}

func TestSummarize(t *testing.T) {
	j, path := openTemp(t)
	appendAll := func(events ...Event) {
		for _, e := range events {
			_, err := j.Append(e.Type, e.Worker, e.Detail)
			require.NoError(t, err)
		}
	}
	appendAll(
		Event{Type: EventConnect, Worker: "PCheckerProcess.1"},
		Event{Type: EventConnect, Worker: "PCheckerProcess.0"},
		Event{Type: EventReject, Worker: "PCheckerProcess.0"},
		Event{Type: EventBug, Worker: "PCheckerProcess.1"},
		Event{Type: EventStop, Worker: "PCheckerProcess.0"},
		Event{Type: EventReport, Worker: "PCheckerProcess.1"},
		Event{Type: EventTrace, Worker: "PCheckerProcess.1", Detail: "Sample_1.txt"},
		Event{Type: EventDead, Worker: "PCheckerProcess.0"},
		Event{Type: EventComplete},
	)
	require.NoError(t, j.Close())

	s, err := Summarize(path)
	require.NoError(t, err)

	assert.Equal(t, 9, s.Events)
	assert.Equal(t, []string{"PCheckerProcess.0", "PCheckerProcess.1"}, s.Workers)
	assert.Equal(t, 1, s.Rejected)
	assert.Equal(t, []string{"PCheckerProcess.0"}, s.Dead)
	assert.Equal(t, 1, s.Bugs)
	assert.Equal(t, 1, s.Stops)
	assert.Equal(t, 1, s.Reports)
	assert.Equal(t, []string{"Sample_1.txt"}, s.Traces)
	assert.True(t, s.Completed)
	assert.Equal(t, 2, s.ByType["CONNECT"])
}

func TestSummarizeMissingFile(t *testing.T) {
	_, err := Summarize(filepath.Join(t.TempDir(), "missing.journal"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
