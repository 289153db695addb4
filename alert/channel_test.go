package alert

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNotifier struct {
	destination string
	message     string
	calls       int
	err         error
}

func (n *fakeNotifier) Send(_ context.Context, destination, message string) error {
	n.calls++
	n.destination = destination
	n.message = message
	return n.err
}

func sampleAlert() Alert {
	return Alert{
		Type:      SuspiciousIPActivity,
		Message:   "3 critical events",
		Details:   map[string]string{"ipAddress": "10.0.0.1", "eventCount": "3"},
		Timestamp: time.Date(2026, 5, 1, 12, 30, 0, 0, time.UTC),
	}
}

func TestRender(t *testing.T) {
	want := "SECURITY ALERT: SUSPICIOUS_IP_ACTIVITY\n" +
		"Time: 2026-05-01 12:30:00\n" +
		"Message: 3 critical events\n" +
		"Details:\n" +
		"- eventCount: 3\n" +
		"- ipAddress: 10.0.0.1\n"
	assert.Equal(t, want, Render(sampleAlert()))
}

func TestNotifierChannelSends(t *testing.T) {
	n := &fakeNotifier{}
	ch := NewNotifierChannel("telegram", n, "admin-chat", true)

	require.NoError(t, ch.HandleAlert(context.Background(), sampleAlert()))
	assert.Equal(t, "admin-chat", n.destination)
	assert.Contains(t, n.message, "SUSPICIOUS_IP_ACTIVITY")
	assert.Equal(t, "telegram", ch.Name())
}

func TestNotifierChannelSkipsWhenDisabledOrUnaddressed(t *testing.T) {
	n := &fakeNotifier{}

	require.NoError(t, NewNotifierChannel("email", n, "ops@example.com", false).HandleAlert(context.Background(), sampleAlert()))
	require.NoError(t, NewNotifierChannel("email", n, "", true).HandleAlert(context.Background(), sampleAlert()))
	assert.Zero(t, n.calls)
}

func TestNotifierChannelWrapsError(t *testing.T) {
	sendErr := errors.New("smtp refused")
	ch := NewNotifierChannel("email", &fakeNotifier{err: sendErr}, "ops@example.com", true)

	err := ch.HandleAlert(context.Background(), sampleAlert())
	require.ErrorIs(t, err, sendErr)
}

func TestLogChannel(t *testing.T) {
	logger, hook := test.NewNullLogger()
	ch := NewLogChannel(logger)

	require.NoError(t, ch.HandleAlert(context.Background(), sampleAlert()))
	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.Equal(t, "10.0.0.1", entry.Data["ipAddress"])
	assert.Equal(t, SuspiciousIPActivity, entry.Data["alert_type"])
}
