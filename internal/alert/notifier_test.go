package alert

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// MockSink is a mock for the Sink interface.
type MockSink struct {
	mock.Mock
}

func (m *MockSink) Post(content string) error {
	args := m.Called(content)
	return args.Error(0)
}

func TestBufferedNotifier_Buffering(t *testing.T) {
	sink := new(MockSink)
	posted := make(chan struct{}, 1)
	sink.On("Post", mock.AnythingOfType("string")).
		Run(func(args mock.Arguments) {
			defer func() { posted <- struct{}{} }()
			content := args.String(0)
			assert.Contains(t, content, "message 1")
			assert.Contains(t, content, "message 2")
			assert.True(t, strings.HasPrefix(content, "--- **Alert Report (2)"))
		}).
		Return(nil).
		Once()

	n := NewBufferedNotifier(sink, 50*time.Millisecond, zap.NewNop())
	assert.NoError(t, n.Send("message 1"))
	assert.NoError(t, n.Send("message 2"))

	sink.AssertNotCalled(t, "Post", mock.Anything)

	select {
	case <-posted:
	case <-time.After(time.Second):
		t.Fatal("report was not posted")
	}

	assert.NoError(t, n.Close())
	sink.AssertExpectations(t)
}

func TestBufferedNotifier_CloseSendsRemaining(t *testing.T) {
	sink := new(MockSink)
	sink.On("Post", mock.MatchedBy(func(s string) bool { return strings.Contains(s, "final message") })).
		Return(nil).
		Once()

	n := NewBufferedNotifier(sink, time.Hour, nil)
	assert.NoError(t, n.Send("final message"))
	assert.NoError(t, n.Close())
	sink.AssertExpectations(t)

	err := n.Send("should fail")
	assert.EqualError(t, err, "notifier is closed")
	assert.NoError(t, n.Close())
}

func TestBufferedNotifier_PostErrorIsLogged(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	sink := new(MockSink)
	sink.On("Post", mock.Anything).Return(errors.New("sink down")).Once()

	n := NewBufferedNotifier(sink, time.Hour, zap.New(core))
	assert.NoError(t, n.Send("x"))
	assert.NoError(t, n.Close())

	assert.Equal(t, 1, logs.FilterMessage("Failed to post alert report").Len())
}

func TestLogNotifier(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	n := NewLogNotifier(zap.New(core), time.Hour)
	assert.NoError(t, n.Send("cycle aborted for u1"))
	assert.NoError(t, n.Close())

	entries := logs.All()
	if assert.Len(t, entries, 1) {
		assert.Contains(t, entries[0].Message, "cycle aborted for u1")
		assert.Equal(t, "alert", entries[0].LoggerName)
	}
}

func TestNoOpNotifier(t *testing.T) {
	var n Notifier = NewNoOpNotifier()
	assert.NoError(t, n.Send("x"))
	assert.NoError(t, n.Close())
}
