package batch

import "sync"

// jsonBufferPool is adapted from the teacher's internal/stream buffer pool:
// a sync.Pool of []byte used here to serialize nested/list column values to
// JSON text ahead of a destination write (spec.md §4.C8 type mapping),
// rather than to chunk an HTTP response body.
type jsonBufferPool struct {
	pool        *sync.Pool
	initialSize int
}

func newJSONBufferPool(initialSize int) *jsonBufferPool {
	if initialSize <= 0 {
		initialSize = 4 * 1024
	}
	return &jsonBufferPool{
		initialSize: initialSize,
		pool: &sync.Pool{
			New: func() any {
				buf := make([]byte, 0, initialSize)
				return &buf
			},
		},
	}
}

func (p *jsonBufferPool) Get() *[]byte {
	buf := p.pool.Get().(*[]byte)
	*buf = (*buf)[:0]
	return buf
}

func (p *jsonBufferPool) Put(buf *[]byte) {
	if buf == nil {
		return
	}
	p.pool.Put(buf)
}

// nestedValuePool backs SerializeNested below; shared across converters in
// a process the way the teacher's globalBufferPool is shared across requests.
var nestedValuePool = newJSONBufferPool(4 * 1024)
