// Package logger owns the process-wide logrus logger.
// Init must be called early in the application lifecycle. Components never
// use the package-level logger directly: they receive a logrus.FieldLogger
// from ForNode at construction time.
package logger

import (
	"errors"
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	globalLogger *logrus.Logger
	globalOut    = &fanout{}
	mu           sync.Mutex
	globalBuffer *LogBuffer
	bufferOnce   sync.Once
)

// GetGlobalLogBuffer returns the buffer the interactive UI renders from.
func GetGlobalLogBuffer() *LogBuffer {
	bufferOnce.Do(func() {
		globalBuffer = NewLogBuffer(1000) // Keep last 1000 log entries
	})
	return globalBuffer
}

// Init initializes the global logger. Calling it again only updates the level.
func Init(level logrus.Level, writeToStdout bool) {
	mu.Lock()
	defer mu.Unlock()

	if globalLogger != nil {
		globalLogger.SetLevel(level)
		return
	}
	if writeToStdout {
		globalOut.add(os.Stdout)
	}
	l := logrus.New()
	l.SetOutput(globalOut)
	l.SetLevel(level)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000",
	})
	globalLogger = l
}

// Get returns the global logger, falling back to a stderr logger if Init was
// never called (tests, library use).
func Get() *logrus.Logger {
	mu.Lock()
	defer mu.Unlock()
	if globalLogger == nil {
		l := logrus.New()
		l.SetOutput(os.Stderr)
		globalLogger = l
	}
	return globalLogger
}

// ForNode returns an entry tagged with the node identifier.
func ForNode(nodeID string) *logrus.Entry {
	return Get().WithField("node", nodeID)
}

// AddOutput adds an additional output writer.
// Returns an error if called before Init.
func AddOutput(w io.Writer) error {
	if !initialized() {
		return errors.New("logger not initialized: call logger.Init() first")
	}
	globalOut.add(w)
	return nil
}

// RemoveOutput removes an output writer.
// Returns an error if called before Init.
func RemoveOutput(w io.Writer) error {
	if !initialized() {
		return errors.New("logger not initialized: call logger.Init() first")
	}
	globalOut.remove(w)
	return nil
}

// AddHook attaches a logrus hook, e.g. a BufferHook for the interactive UI.
func AddHook(h logrus.Hook) error {
	if !initialized() {
		return errors.New("logger not initialized: call logger.Init() first")
	}
	Get().AddHook(h)
	return nil
}

// SetEnabled enables or disables logging.
// Returns an error if called before Init.
func SetEnabled(enabled bool) error {
	if !initialized() {
		return errors.New("logger not initialized: call logger.Init() first")
	}
	globalOut.setEnabled(enabled)
	return nil
}

func Infof(format string, v ...interface{}) {
	Get().Infof(format, v...)
}

func Info(v ...interface{}) {
	Get().Info(v...)
}

func Errorf(format string, v ...interface{}) {
	Get().Errorf(format, v...)
}

func initialized() bool {
	mu.Lock()
	defer mu.Unlock()
	return globalLogger != nil
}

// fanout writes each formatted entry to every registered output.
type fanout struct {
	mu       sync.Mutex
	outputs  []io.Writer
	disabled bool
}

func (f *fanout) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.disabled {
		return len(p), nil
	}
	for _, w := range f.outputs {
		// A failing output must not silence the others.
		_, _ = w.Write(p)
	}
	return len(p), nil
}

func (f *fanout) add(w io.Writer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outputs = append(f.outputs, w)
}

func (f *fanout) remove(w io.Writer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.outputs[:0]
	for _, o := range f.outputs {
		if o != w {
			kept = append(kept, o)
		}
	}
	f.outputs = kept
}

func (f *fanout) setEnabled(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disabled = !enabled
}
