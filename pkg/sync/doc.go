/*
The sync package implements tbak's sync algorithm. It decides which files have
to move between a folder on this machine and its copy on a peer.

There are two kinds of folders:
1) Sources -- Plain folders on the user's machine. A source is always
   authoritative: files missing from it are deleted from its archives.
2) Archives -- Compressed and encrypted copies of a source, stored on a peer
   and keyed by the PathHash of each file's path.

Both sides describe their contents as a list of FileTimes sorted by hash. Diff
walks the two lists once, like the merge step of a merge sort, and splits the
hashes into files to upload, download, and delete. Which of those apply
depends on the Policy: a push from a source uploads and deletes, while a
restore only ever downloads.

The sync algorithm only deals with files. Empty directories aren't synced.
*/
package sync
