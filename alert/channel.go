package alert

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/brandshop/authcore/internal/logging"
	"github.com/sirupsen/logrus"
)

const timeLayout = "2006-01-02 15:04:05"

// NotifierChannel renders alerts as text and hands them to a Notifier. A
// disabled channel, or one without a destination, silently skips.
type NotifierChannel struct {
	name        string
	notifier    Notifier
	destination string
	enabled     bool
}

// NewNotifierChannel wires a Notifier as an alert channel.
func NewNotifierChannel(name string, n Notifier, destination string, enabled bool) *NotifierChannel {
	return &NotifierChannel{name: name, notifier: n, destination: destination, enabled: enabled}
}

func (c *NotifierChannel) Name() string { return c.name }

func (c *NotifierChannel) HandleAlert(ctx context.Context, a Alert) error {
	if !c.enabled || c.destination == "" || c.notifier == nil {
		return nil
	}
	if err := c.notifier.Send(ctx, c.destination, Render(a)); err != nil {
		return fmt.Errorf("%s: %w", c.name, err)
	}
	return nil
}

// Render formats an alert as plain text with details sorted by key.
func Render(a Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "SECURITY ALERT: %s\n", a.Type)
	fmt.Fprintf(&b, "Time: %s\n", a.Timestamp.Format(timeLayout))
	fmt.Fprintf(&b, "Message: %s\n", a.Message)

	if len(a.Details) > 0 {
		keys := make([]string, 0, len(a.Details))
		for k := range a.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		b.WriteString("Details:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %s\n", k, a.Details[k])
		}
	}
	return b.String()
}

// LogChannel writes alerts to a logger at WARN.
type LogChannel struct {
	log logrus.FieldLogger
}

func NewLogChannel(log logrus.FieldLogger) *LogChannel {
	return &LogChannel{log: logging.OrDiscard(log)}
}

func (c *LogChannel) Name() string { return "log" }

func (c *LogChannel) HandleAlert(_ context.Context, a Alert) error {
	fields := logrus.Fields{"alert_type": a.Type}
	for k, v := range a.Details {
		fields[k] = v
	}
	c.log.WithFields(fields).Warn(a.Message)
	return nil
}
