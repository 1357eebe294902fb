package detection

// FrameBuffer is a bounded FIFO ring. Pushing beyond capacity evicts the
// oldest element. It is not safe for concurrent use; each buffer belongs
// to one detector.
type FrameBuffer[T any] struct {
	items []T
	start int
	size  int
}

// NewFrameBuffer creates a buffer holding at most capacity elements
func NewFrameBuffer[T any](capacity int) *FrameBuffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &FrameBuffer[T]{items: make([]T, capacity)}
}

// Push appends v, evicting the oldest element when full
func (b *FrameBuffer[T]) Push(v T) {
	capacity := len(b.items)
	if b.size < capacity {
		b.items[(b.start+b.size)%capacity] = v
		b.size++
		return
	}
	b.items[b.start] = v
	b.start = (b.start + 1) % capacity
}

// Len returns the number of buffered elements
func (b *FrameBuffer[T]) Len() int {
	return b.size
}

// Cap returns the buffer capacity
func (b *FrameBuffer[T]) Cap() int {
	return len(b.items)
}

// At returns the i-th oldest element
func (b *FrameBuffer[T]) At(i int) T {
	return b.items[(b.start+i)%len(b.items)]
}

// Reset drops every element
func (b *FrameBuffer[T]) Reset() {
	var zero T
	for i := range b.items {
		b.items[i] = zero
	}
	b.start, b.size = 0, 0
}

// Sample returns k elements spread evenly over the whole buffer in
// chronological order, always including the oldest and the newest.
// ok is false while fewer than k elements are buffered.
func (b *FrameBuffer[T]) Sample(k int) (items []T, indices []int, ok bool) {
	indices, ok = SampleIndices(b.size, k)
	if !ok {
		return nil, nil, false
	}
	items = make([]T, k)
	for i, idx := range indices {
		items[i] = b.At(idx)
	}
	return items, indices, true
}

// SampleIndices returns k indices evenly spaced over [0, n-1], truncated
// toward zero with the last one pinned to n-1.
func SampleIndices(n, k int) ([]int, bool) {
	if k < 1 || n < k {
		return nil, false
	}
	if k == 1 {
		return []int{0}, true
	}
	indices := make([]int, k)
	step := float64(n-1) / float64(k-1)
	for i := 0; i < k-1; i++ {
		indices[i] = int(float64(i) * step)
	}
	indices[k-1] = n - 1
	return indices, true
}
