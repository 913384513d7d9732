package xlog

import "time"

// SyncPolicy controls durability, same three-way choice as the teacher's
// pkg/wal/options.go.
type SyncPolicy int

const (
	SyncEveryWrite SyncPolicy = iota
	SyncInterval
	SyncBatch
)

// Options configures a Writer. Grounded on the teacher's wal.Options,
// with Compress added for spec §4.6's optional whole-transaction zstd.
type Options struct {
	DirPath              string
	BufferSize           int
	SyncPolicy           SyncPolicy
	SyncIntervalDuration time.Duration
	SyncBatchBytes       int64
	Compress             bool
	RowsPerFile          int
}

func DefaultOptions() Options {
	return Options{
		DirPath:              "./wal",
		BufferSize:           64 * 1024,
		SyncPolicy:           SyncInterval,
		SyncIntervalDuration: 200 * time.Millisecond,
		SyncBatchBytes:       1 * 1024 * 1024,
		Compress:             true,
		RowsPerFile:          500000,
	}
}
