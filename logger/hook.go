package logger

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// BufferHook copies every log entry into a LogBuffer.
// The node field set by ForNode becomes the entry's NodeID. The remaining
// fields are appended to the message in key=value form.
type BufferHook struct {
	buffer *LogBuffer
	levels []logrus.Level
}

// NewBufferHook creates a hook that records entries at or above level.
func NewBufferHook(buffer *LogBuffer, level logrus.Level) *BufferHook {
	levels := make([]logrus.Level, 0, len(logrus.AllLevels))
	for _, l := range logrus.AllLevels {
		if l <= level {
			levels = append(levels, l)
		}
	}
	return &BufferHook{buffer: buffer, levels: levels}
}

func (h *BufferHook) Levels() []logrus.Level {
	return h.levels
}

func (h *BufferHook) Fire(e *logrus.Entry) error {
	nodeID := "system"
	msg := e.Message
	for k, v := range e.Data {
		if k == "node" {
			nodeID = fmt.Sprint(v)
			continue
		}
		msg += fmt.Sprintf(" %s=%v", k, v)
	}
	h.buffer.Add(LogEntry{
		Timestamp: e.Time,
		Level:     e.Level,
		NodeID:    nodeID,
		Message:   msg,
	})
	return nil
}
