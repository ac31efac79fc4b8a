package fswatch

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/tbak/pkg/errors"
)

func TestGetPathsToWatch(t *testing.T) {
	tests := []struct {
		name     string
		dirs     []string
		files    []string
		root     string
		expPaths []string
		expError error
	}{
		{
			name:     "Empty",
			dirs:     []string{"/src"},
			root:     "/src",
			expPaths: []string{"/src"},
		},
		{
			name:  "Nested",
			dirs:  []string{"/src/a/b", "/src/c"},
			files: []string{"/src/file", "/src/a/file", "/src/a/b/file"},
			root:  "/src",
			expPaths: []string{
				"/src",
				"/src/a",
				"/src/a/b",
				"/src/c",
			},
		},
		{
			name:     "Missing",
			root:     "/src",
			expError: errors.FileNotFound{Path: "/src"},
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			fs = afero.NewMemMapFs()
			for _, dir := range test.dirs {
				require.NoError(t, fs.MkdirAll(dir, 0755))
			}
			for _, f := range test.files {
				require.NoError(t, afero.WriteFile(fs, f, nil, 0644))
			}

			paths, err := getPathsToWatch(test.root)
			assert.Equal(t, test.expError, err)

			sort.Strings(paths)
			assert.Equal(t, test.expPaths, paths)
		})
	}
}

func TestGetPathsToWatchFile(t *testing.T) {
	fs = afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/file", nil, 0644))

	_, err := getPathsToWatch("/file")
	_, friendly := errors.GetFriendlyMessage(err)
	assert.True(t, friendly)
}

func TestCombineUpdates(t *testing.T) {
	t.Parallel()

	updates := make(chan fsnotify.Event, 1024)
	addEvents := func(num int) {
		for i := 0; i < num; i++ {
			updates <- fsnotify.Event{}
		}
	}

	// Seed with events.
	numUpdates := 100
	addEvents(numUpdates)
	combined := combineUpdates(updates)

	// Assert that the events are being combined.
	numCombined := countEvents(combined)
	assert.True(t, numCombined < numUpdates,
		"expected less combined events (%d) than %d", numCombined, numUpdates)

	// Add more events.
	addEvents(100)
	<-combined

	close(updates)
	assert.Eventually(t, func() bool {
		_, ok := <-combined
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestSettle(t *testing.T) {
	fakeClock := clockwork.NewFakeClock()
	clock = fakeClock
	defer func() { clock = clockwork.NewRealClock() }()

	updates := make(chan struct{})
	settled := settle(updates, time.Second)

	updates <- struct{}{}
	fakeClock.BlockUntil(1)
	fakeClock.Advance(500 * time.Millisecond)

	// A new update restarts the quiet period.
	updates <- struct{}{}
	time.Sleep(20 * time.Millisecond)
	fakeClock.BlockUntil(1)
	fakeClock.Advance(500 * time.Millisecond)
	assertNoEvent(t, settled)

	fakeClock.Advance(500 * time.Millisecond)
	select {
	case <-settled:
	case <-time.After(time.Second):
		t.Fatal("expected an event once changes settled")
	}

	close(updates)
	_, ok := <-settled
	assert.False(t, ok)
}

func TestWatch(t *testing.T) {
	fs = afero.NewOsFs()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0755))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes, err := Watch(ctx, root, 10*time.Millisecond)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "file"), []byte("x"), 0644))
	select {
	case <-changes:
	case <-time.After(5 * time.Second):
		t.Fatal("expected an event for the changed file")
	}

	cancel()
	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-changes:
			return !ok
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
}

func assertNoEvent(t *testing.T, c <-chan struct{}) {
	select {
	case <-c:
		t.Error("unexpected event")
	case <-time.After(50 * time.Millisecond):
	}
}

func countEvents(c chan struct{}) (n int) {
	// Block until the first event.
	<-c
	n++

	// Count the number of events until there hasn't been any new events in 500
	// milliseconds.
	for {
		select {
		case <-c:
			n++
		case <-time.After(500 * time.Millisecond):
			return n
		}
	}
}
