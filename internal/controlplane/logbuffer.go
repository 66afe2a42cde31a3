package controlplane

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// LogLine 一条转发过来的日志
type LogLine struct {
	Time  time.Time `json:"time"`
	Level string    `json:"level"`
	Line  string    `json:"line"`
}

// LogBuffer 固定容量的环形日志缓冲，供 /logs 查看最近状态
type LogBuffer struct {
	mu    sync.Mutex
	lines []LogLine
	next  int
	full  bool
}

func NewLogBuffer(capacity int) *LogBuffer {
	if capacity <= 0 {
		capacity = 500
	}
	return &LogBuffer{lines: make([]LogLine, capacity)}
}

// Sink 可直接传给 logger.AddSink
func (b *LogBuffer) Sink(level logrus.Level, line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines[b.next] = LogLine{Time: time.Now(), Level: level.String(), Line: line}
	b.next = (b.next + 1) % len(b.lines)
	if b.next == 0 {
		b.full = true
	}
}

// Tail 最近 n 条，按时间顺序
func (b *LogBuffer) Tail(n int) []LogLine {
	b.mu.Lock()
	defer b.mu.Unlock()
	var ordered []LogLine
	if b.full {
		ordered = append(ordered, b.lines[b.next:]...)
	}
	ordered = append(ordered, b.lines[:b.next]...)
	if n > 0 && n < len(ordered) {
		ordered = ordered[len(ordered)-n:]
	}
	return ordered
}
