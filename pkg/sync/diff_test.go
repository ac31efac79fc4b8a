package sync

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/tbak/pkg/pathhash"
)

// sortedHashes returns `n` hashes in ascending order, so that tests can refer
// to H1 < H2 < H3.
func sortedHashes(n int) []pathhash.Hash {
	var hashes []pathhash.Hash
	for i := 0; i < n; i++ {
		hashes = append(hashes, pathhash.Of(fmt.Sprintf("file-%d", i)))
	}
	pathhash.Sort(hashes)
	return hashes
}

func TestDiff(t *testing.T) {
	h := sortedHashes(3)
	h1, h2, h3 := h[0], h[1], h[2]

	tests := []struct {
		name   string
		local  []FileTime
		remote []FileTime
		policy Policy
		exp    Result
	}{
		{
			name:   "PushToEmpty",
			local:  []FileTime{{h1, 100}, {h2, 200}},
			policy: Push,
			exp:    Result{Upload: []FileTime{{h1, 100}, {h2, 200}}},
		},
		{
			name:   "PushNewerAndDelete",
			local:  []FileTime{{h1, 100}},
			remote: []FileTime{{h1, 50}, {h3, 1}},
			policy: Push,
			exp: Result{
				Upload: []FileTime{{h1, 100}},
				Delete: []FileTime{{h3, 1}},
			},
		},
		{
			name:   "PushEqualMtimeIsSynced",
			local:  []FileTime{{h1, 100}, {h2, 5}},
			remote: []FileTime{{h1, 100}, {h2, 5}},
			policy: Push,
			exp:    Result{},
		},
		{
			name:   "PushNeverUploadsOlder",
			local:  []FileTime{{h2, 10}},
			remote: []FileTime{{h2, 20}},
			policy: Push,
			exp:    Result{},
		},
		{
			name:   "PushEverythingDeleted",
			remote: []FileTime{{h1, 1}, {h3, 3}},
			policy: Push,
			exp:    Result{Delete: []FileTime{{h1, 1}, {h3, 3}}},
		},
		{
			name:   "PullIntoEmpty",
			remote: []FileTime{{h1, 1}, {h2, 2}},
			policy: Pull,
			exp:    Result{Download: []FileTime{{h1, 1}, {h2, 2}}},
		},
		{
			name:   "PullNewerNeverDeletes",
			local:  []FileTime{{h1, 10}, {h2, 10}},
			remote: []FileTime{{h2, 20}, {h3, 30}},
			policy: Pull,
			exp:    Result{Download: []FileTime{{h2, 20}, {h3, 30}}},
		},
		{
			name:   "PullKeepsLocalNewer",
			local:  []FileTime{{h1, 10}},
			remote: []FileTime{{h1, 5}},
			policy: Pull,
			exp:    Result{},
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			res := Diff(test.local, test.remote, test.policy)
			assert.Equal(t, test.exp, res)
			assert.Equal(t, test.exp.Empty(), res.Empty())
		})
	}
}

// apply returns what the remote looks like after a push of `res`.
func apply(remote []FileTime, res Result) []FileTime {
	byHash := map[pathhash.Hash]FileTime{}
	for _, ft := range remote {
		byHash[ft.Hash] = ft
	}
	for _, ft := range res.Upload {
		byHash[ft.Hash] = ft
	}
	for _, ft := range res.Delete {
		delete(byHash, ft.Hash)
	}

	var synced []FileTime
	for _, ft := range byHash {
		synced = append(synced, ft)
	}
	SortFileTimes(synced)
	return synced
}

func TestDiffIdempotent(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	for round := 0; round < 20; round++ {
		var local, remote []FileTime
		for i := 0; i < 200; i++ {
			ft := FileTime{
				Hash:  pathhash.Of(fmt.Sprintf("round-%d/file-%d", round, i)),
				Mtime: uint64(rnd.Intn(5)),
			}
			switch rnd.Intn(3) {
			case 0:
				local = append(local, ft)
			case 1:
				remote = append(remote, ft)
			default:
				local = append(local, ft)
				ft.Mtime = uint64(rnd.Intn(5))
				remote = append(remote, ft)
			}
		}
		SortFileTimes(local)
		SortFileTimes(remote)

		synced := apply(remote, Diff(local, remote, Push))
		assert.True(t, Diff(local, synced, Push).Empty(), "round %d", round)

		// Pulling everything back is a no-op once the local side has it.
		pulled := Diff(synced, synced, Pull)
		assert.True(t, pulled.Empty(), "round %d", round)
	}
}

func TestFileTimeEncoding(t *testing.T) {
	fts := []FileTime{
		{pathhash.Of("a"), 0},
		{pathhash.Of("b"), 1 << 40},
	}
	encoded := EncodeFileTimes(fts)
	assert.Len(t, encoded, 2*FileTimeSize)

	decoded, err := DecodeFileTimes(encoded)
	require.NoError(t, err)
	assert.Equal(t, fts, decoded)

	empty, err := DecodeFileTimes(nil)
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = DecodeFileTimes(encoded[:FileTimeSize+3])
	assert.Error(t, err)
}

func TestSortFileTimes(t *testing.T) {
	var fts []FileTime
	for i := 0; i < 100; i++ {
		fts = append(fts, FileTime{Hash: pathhash.Of(fmt.Sprint(i))})
	}
	assert.False(t, IsSorted(fts))
	SortFileTimes(fts)
	assert.True(t, IsSorted(fts))
}
