package transport

import "bytes"

// lineBuffer accumulates raw bytes from a stream channel and hands out
// complete lines. Partial data survives a read timeout so no bytes are lost
// between ReadLine calls.
type lineBuffer struct {
	data []byte
}

// feed appends received bytes
func (b *lineBuffer) feed(p []byte) {
	b.data = append(b.data, p...)
}

// next pops one complete line without its "\n" or "\r\n" terminator
func (b *lineBuffer) next() (string, bool) {
	idx := bytes.IndexByte(b.data, '\n')
	if idx < 0 {
		return "", false
	}
	line := string(bytes.TrimRight(b.data[:idx], "\r"))

	// Shift the remainder down instead of reslicing so the backing array
	// does not grow without bound on long streams
	n := copy(b.data, b.data[idx+1:])
	b.data = b.data[:n]
	return line, true
}

// pending returns the number of buffered bytes not yet returned as a line
func (b *lineBuffer) pending() int {
	return len(b.data)
}
