package agent

// RingBuffer keeps the most recent lines of output. When full, the oldest
// line is overwritten. It is not safe for concurrent use.
type RingBuffer struct {
	data  []string
	size  int
	head  int // next write
	tail  int // oldest
	count int
}

// NewRingBuffer creates a buffer holding up to capacity lines.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = DefaultTailLines
	}
	return &RingBuffer{data: make([]string, capacity), size: capacity}
}

// Append adds a line, discarding the oldest one if the buffer is full.
func (rb *RingBuffer) Append(line string) {
	rb.data[rb.head] = line
	rb.head = (rb.head + 1) % rb.size
	if rb.count < rb.size {
		rb.count++
	} else {
		rb.tail = (rb.tail + 1) % rb.size
	}
}

// Lines returns the buffered lines from oldest to newest.
func (rb *RingBuffer) Lines() []string {
	if rb.count == 0 {
		return nil
	}
	out := make([]string, rb.count)
	for i := 0; i < rb.count; i++ {
		out[i] = rb.data[(rb.tail+i)%rb.size]
	}
	return out
}
