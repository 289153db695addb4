package authcore

import (
	"context"

	"github.com/brandshop/authcore/internal/logging"
	"github.com/sirupsen/logrus"
)

// CredentialVerifier hashes and checks passwords. password.Argon2 is the
// default implementation.
type CredentialVerifier interface {
	Hash(plaintext string) (string, error)
	Verify(plaintext, hash string) (bool, error)
}

// ResetNotifier delivers password-reset codes and change notices. Any
// alert.Notifier satisfies it.
type ResetNotifier interface {
	Send(ctx context.Context, destination, message string) error
}

// LogNotifier is a ResetNotifier that only logs the message. It is meant for
// development and demo deployments.
type LogNotifier struct {
	log logrus.FieldLogger
}

func NewLogNotifier(log logrus.FieldLogger) *LogNotifier {
	return &LogNotifier{log: logging.OrDiscard(log)}
}

func (n *LogNotifier) Send(_ context.Context, destination, message string) error {
	n.log.WithField("destination", destination).Info(message)
	return nil
}
