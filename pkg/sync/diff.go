package sync

import (
	"fmt"
)

// Policy decides what Diff does with files that differ.
type Policy int

const (
	// Push treats the local side as authoritative. Files that are missing or
	// older remotely are uploaded, and files that only exist remotely are
	// deleted.
	Push Policy = iota

	// Pull downloads files that are missing or older locally. It never
	// deletes: an archive can't tell whether a file was deleted from the
	// source or just never made it to the other archive.
	Pull
)

func (p Policy) String() string {
	switch p {
	case Push:
		return "push"
	case Pull:
		return "pull"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// Result is the work needed to bring the two sides of a Diff in sync.
type Result struct {
	// Upload contains the local FileTimes to send to the remote.
	Upload []FileTime

	// Download contains the remote FileTimes to fetch.
	Download []FileTime

	// Delete contains the remote FileTimes to remove.
	Delete []FileTime
}

// Empty returns whether the two sides are already in sync.
func (r Result) Empty() bool {
	return len(r.Upload) == 0 && len(r.Download) == 0 && len(r.Delete) == 0
}

// Diff compares the local and remote listings in a single merge pass.
// Both listings must already be sorted by hash (see SortFileTimes). This
// isn't checked, and unsorted input silently produces an incomplete result.
//
// Files with equal mtimes on both sides are considered in sync.
func Diff(local, remote []FileTime, policy Policy) Result {
	var res Result
	localOnly := func(ft FileTime) {
		if policy == Push {
			res.Upload = append(res.Upload, ft)
		}
	}
	remoteOnly := func(ft FileTime) {
		switch policy {
		case Push:
			res.Delete = append(res.Delete, ft)
		case Pull:
			res.Download = append(res.Download, ft)
		}
	}

	i, j := 0, 0
	for i < len(local) && j < len(remote) {
		l, r := local[i], remote[j]
		switch cmp := l.Hash.Compare(r.Hash); {
		case cmp < 0:
			localOnly(l)
			i++
		case cmp > 0:
			remoteOnly(r)
			j++
		default:
			if policy == Push && l.Mtime > r.Mtime {
				res.Upload = append(res.Upload, l)
			} else if policy == Pull && r.Mtime > l.Mtime {
				res.Download = append(res.Download, r)
			}
			i++
			j++
		}
	}

	for ; i < len(local); i++ {
		localOnly(local[i])
	}
	for ; j < len(remote); j++ {
		remoteOnly(remote[j])
	}
	return res
}
