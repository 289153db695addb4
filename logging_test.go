package authcore

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := newLogger(LogConfig{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)
	assert.Equal(t, logrus.WarnLevel, log.GetLevel())

	log.Info("dropped")
	log.WithField("correlation_id", "abcd1234").Warn("kept")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "kept", line["msg"])
	assert.Equal(t, "abcd1234", line["correlation_id"])
}

func TestNewLoggerRejectsBadConfig(t *testing.T) {
	_, err := newLogger(LogConfig{Level: "chatty"}, &bytes.Buffer{})
	assert.Error(t, err)
	_, err = newLogger(LogConfig{Format: "xml"}, &bytes.Buffer{})
	assert.Error(t, err)
}
