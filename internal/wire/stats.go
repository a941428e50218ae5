package wire

import "sync"

// Stats summarises what the optimizer has put on the wire.
//
// CompressionRatio is bytesSaved / (messagesSent × original size of the most
// recent message). It is not an average over messages of different sizes;
// dashboards built on it depend on this exact definition.
type Stats struct {
	MessagesSent       uint64  `json:"messagesSent"`
	MessagesCompressed uint64  `json:"messagesCompressed"`
	BytesOriginal      uint64  `json:"bytesOriginal"`
	BytesSent          uint64  `json:"bytesSent"`
	BytesSaved         uint64  `json:"bytesSaved"`
	CompressionRatio   float64 `json:"compressionRatio"`
}

type bandwidth struct {
	mu    sync.Mutex
	stats Stats
}

func (b *bandwidth) record(original, sent int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := &b.stats
	s.MessagesSent++
	s.BytesOriginal += uint64(original)
	s.BytesSent += uint64(sent)
	if sent < original {
		s.MessagesCompressed++
		s.BytesSaved += uint64(original - sent)
	}
	if original > 0 {
		s.CompressionRatio = float64(s.BytesSaved) / (float64(s.MessagesSent) * float64(original))
	}
}

func (b *bandwidth) snapshot() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

func (b *bandwidth) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats = Stats{}
}
