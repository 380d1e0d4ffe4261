package audio

import (
	"sync"
)

// PCMRing is a thread-safe ring of PCM16 bytes. Reads and writes move whole
// samples only, so a consumer never sees half a sample.
type PCMRing struct {
	buffer  []byte
	size    int
	read    int
	write   int
	dropped int64
	mu      sync.RWMutex
}

// NewPCMRing creates a ring holding up to capacity samples
func NewPCMRing(capacity int) *PCMRing {
	if capacity < 1 {
		capacity = 1
	}
	// One spare byte pair keeps full and empty distinguishable
	size := (capacity + 1) * BytesPerSample
	return &PCMRing{
		buffer: make([]byte, size),
		size:   size,
	}
}

// Write stores as many whole samples from data as fit and returns the bytes written.
// Samples that do not fit are counted as dropped.
func (r *PCMRing) Write(data []byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(data) &^ 1
	if space := r.space(); n > space {
		r.dropped += int64((n - space) / BytesPerSample)
		n = space
	}

	first := n
	if tail := r.size - r.write; first > tail {
		first = tail
	}
	copy(r.buffer[r.write:], data[:first])
	copy(r.buffer, data[first:n])
	r.write = (r.write + n) % r.size

	return n
}

// Read fills data with whole samples and returns the bytes read
func (r *PCMRing) Read(data []byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(data) &^ 1
	if avail := r.available(); n > avail {
		n = avail
	}

	first := n
	if tail := r.size - r.read; first > tail {
		first = tail
	}
	copy(data, r.buffer[r.read:r.read+first])
	copy(data[first:n], r.buffer)
	r.read = (r.read + n) % r.size

	return n
}

func (r *PCMRing) available() int {
	if r.write >= r.read {
		return r.write - r.read
	}
	return r.size - r.read + r.write
}

func (r *PCMRing) space() int {
	return r.size - r.available() - BytesPerSample
}

// Available returns the number of bytes available to read
func (r *PCMRing) Available() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.available()
}

// Space returns the number of bytes available to write
func (r *PCMRing) Space() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.space()
}

// Dropped returns how many samples were discarded because the ring was full
func (r *PCMRing) Dropped() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dropped
}

// Clear discards buffered samples
func (r *PCMRing) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.read = 0
	r.write = 0
}

// IsEmpty returns true if the ring is empty
func (r *PCMRing) IsEmpty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.read == r.write
}

// IsFull returns true if no further sample fits
func (r *PCMRing) IsFull() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.space() == 0
}
