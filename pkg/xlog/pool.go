package xlog

import "sync"

// pool.go: byte-buffer reuse for tx bodies, mirroring the teacher's
// pkg/wal/pool.go entry/buffer pools.

var bodyPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, 0, 16*1024)
		return &buf
	},
}

func acquireBody() *[]byte {
	return bodyPool.Get().(*[]byte)
}

func releaseBody(buf *[]byte) {
	*buf = (*buf)[:0]
	bodyPool.Put(buf)
}
