/*
Package storage persists recovery snapshots and resource registrations.

Two Store implementations are provided: MemoryStore, which keeps everything
in process memory, and BoltStore, which keeps it in a bbolt database at
<dataDir>/burrow.db. BoltStore serialises values as JSON in two buckets:

	snapshots   resource id -> latest RecoverySnapshot of that instance
	resources   resource id -> registered ResourceInstance

A snapshot missing any of its required fields is rejected on save, so a
stored snapshot is always usable for recovery. Loading a snapshot that was
never saved returns an error wrapping types.ErrSnapshotNotFound.
*/
package storage
