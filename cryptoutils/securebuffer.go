package cryptoutils

import "sync"

// SecureBuffer owns a byte buffer holding secret material and supports
// explicit disposal. Reads after disposal return nil so accidental reuse
// fails loudly rather than leaking stale secrets.
type SecureBuffer struct {
	mu       sync.Mutex
	data     []byte
	disposed bool
}

// NewSecureBuffer copies the given material into a new buffer. The caller
// should zero its own copy if it no longer needs it.
func NewSecureBuffer(material []byte) *SecureBuffer {
	data := make([]byte, len(material))
	copy(data, material)
	return &SecureBuffer{data: data}
}

// NewSecureBufferFromString copies string material into a new buffer.
func NewSecureBufferFromString(material string) *SecureBuffer {
	return NewSecureBuffer([]byte(material))
}

// Bytes returns the secret material, or nil if the buffer was disposed.
// The returned slice aliases the buffer; callers must not retain it past
// disposal.
func (b *SecureBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disposed {
		return nil
	}
	return b.data
}

// String returns the secret material as a string, or "" after disposal.
func (b *SecureBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disposed {
		return ""
	}
	return string(b.data)
}

// Len returns the length of the material, or 0 after disposal.
func (b *SecureBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disposed {
		return 0
	}
	return len(b.data)
}

// Dispose zeroes the underlying bytes. Safe to call more than once; the
// typical pattern is defer buf.Dispose() immediately after acquisition.
func (b *SecureBuffer) Dispose() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disposed {
		return
	}
	for i := range b.data {
		b.data[i] = 0
	}
	b.data = nil
	b.disposed = true
}

// Disposed reports whether the buffer has been wiped.
func (b *SecureBuffer) Disposed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.disposed
}
