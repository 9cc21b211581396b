package testutil

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// LogBuffer captures zerolog output for assertions.
type LogBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func NewLogBuffer() *LogBuffer {
	return &LogBuffer{}
}

func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// Logger returns a debug level logger writing into the buffer.
func (b *LogBuffer) Logger() zerolog.Logger {
	return zerolog.New(b).Level(zerolog.DebugLevel)
}

// Entries decodes every captured line.
func (b *LogBuffer) Entries() []map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []map[string]interface{}
	for _, line := range strings.Split(b.buf.String(), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		entry := map[string]interface{}{}
		if json.Unmarshal([]byte(line), &entry) == nil {
			out = append(out, entry)
		}
	}
	return out
}

// Contains reports whether a line at level has msg as its message.
func (b *LogBuffer) Contains(level, msg string) bool {
	for _, e := range b.Entries() {
		if e["level"] == level && e["message"] == msg {
			return true
		}
	}
	return false
}
