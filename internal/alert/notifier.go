// Package alert handles sending notifications about aborted cycles and
// crashed executions.
package alert

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Notifier is the interface for sending alert messages.
type Notifier interface {
	Send(message string) error
	Close() error
}

// NoOpNotifier is a notifier that does nothing. It is used when alerting is disabled.
type NoOpNotifier struct{}

// NewNoOpNotifier creates a new NoOpNotifier.
func NewNoOpNotifier() *NoOpNotifier {
	return &NoOpNotifier{}
}

// Send does nothing and returns nil.
func (n *NoOpNotifier) Send(message string) error {
	return nil
}

// Close does nothing and returns nil.
func (n *NoOpNotifier) Close() error {
	return nil
}

// Sink delivers one combined report.
type Sink interface {
	Post(content string) error
}

// LogSink posts reports to a zap logger at warn level.
type LogSink struct {
	Logger *zap.Logger
}

// Post logs content.
func (s LogSink) Post(content string) error {
	s.Logger.Warn(content)
	return nil
}

var errClosed = errors.New("notifier is closed")

// BufferedNotifier collects messages and posts them as one report per
// interval. Close posts whatever is still buffered.
type BufferedNotifier struct {
	sink     Sink
	logger   *zap.Logger
	interval time.Duration

	mu      sync.Mutex
	buffer  []string
	closed  bool
	closeCh chan struct{}
	wg      sync.WaitGroup
}

// NewBufferedNotifier starts the flush loop.
func NewBufferedNotifier(sink Sink, interval time.Duration, logger *zap.Logger) *BufferedNotifier {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	n := &BufferedNotifier{
		sink:     sink,
		logger:   logger,
		interval: interval,
		closeCh:  make(chan struct{}),
	}
	n.wg.Add(1)
	go n.run()
	return n
}

// NewLogNotifier buffers alerts into a zap logger.
func NewLogNotifier(logger *zap.Logger, interval time.Duration) *BufferedNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return NewBufferedNotifier(LogSink{Logger: logger.Named("alert")}, interval, logger)
}

// Send buffers message.
func (n *BufferedNotifier) Send(message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return errClosed
	}
	n.buffer = append(n.buffer, fmt.Sprintf("[%s] %s", time.Now().UTC().Format(time.RFC3339), message))
	return nil
}

func (n *BufferedNotifier) run() {
	defer n.wg.Done()
	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n.flush()
		case <-n.closeCh:
			n.flush()
			return
		}
	}
}

func (n *BufferedNotifier) flush() {
	n.mu.Lock()
	msgs := n.buffer
	n.buffer = nil
	n.mu.Unlock()
	if len(msgs) == 0 {
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "--- **Alert Report (%d)** ---\n", len(msgs))
	b.WriteString(strings.Join(msgs, "\n"))
	if err := n.sink.Post(b.String()); err != nil {
		n.logger.Error("Failed to post alert report", zap.Int("messages", len(msgs)), zap.Error(err))
	}
}

// Close stops the flush loop after posting the remaining messages.
func (n *BufferedNotifier) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()
	close(n.closeCh)
	n.wg.Wait()
	return nil
}
