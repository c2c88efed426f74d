package sockio

// Buffer is a fixed-capacity byte span with two logical regions: a used
// prefix holding data and an available tail of remaining capacity.  A
// receive fills the available region; a send drains the used region.
type Buffer struct {
	data []byte
	used int
}

// NewBuffer returns an empty Buffer of capacity n.
func NewBuffer(n int) *Buffer {
	return &Buffer{data: make([]byte, n)}
}

// WrapBuffer returns a Buffer whose used region is all of p.
func WrapBuffer(p []byte) *Buffer {
	return &Buffer{data: p, used: len(p)}
}

// Used returns the used region.
func (b *Buffer) Used() []byte { return b.data[:b.used] }

// Available returns the available region.
func (b *Buffer) Available() []byte { return b.data[b.used:] }

// Add extends the used region by n bytes, which must fit the capacity.
func (b *Buffer) Add(n int) {
	insist(b.used+n <= len(b.data), "buffer overrun")
	b.used += n
}

// Clear empties the used region.
func (b *Buffer) Clear() { b.used = 0 }

// availableCount is the total available capacity of a buffer list.
func availableCount(bufs []*Buffer) int {
	var n int
	for _, b := range bufs {
		n += len(b.Available())
	}
	return n
}

// usedCount is the total used byte count of a buffer list.
func usedCount(bufs []*Buffer) int {
	var n int
	for _, b := range bufs {
		n += len(b.Used())
	}
	return n
}
