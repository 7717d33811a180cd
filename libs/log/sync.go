package log

import (
	"io"
	"sync"
)

// syncWriter serializes writes from concurrent goroutines. zerolog assumes a
// single writer per output, while tests routinely log from several.
type syncWriter struct {
	mtx sync.Mutex
	w   io.Writer
}

func newSyncWriter(w io.Writer) io.Writer {
	return &syncWriter{w: w}
}

func (sw *syncWriter) Write(bz []byte) (int, error) {
	sw.mtx.Lock()
	defer sw.mtx.Unlock()

	return sw.w.Write(bz)
}
