package logger

import (
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// RedactedMarker replaces credential material in log output.
const RedactedMarker = "[REDACTED]"

// redactHook scrubs registered secrets from the message and every string
// field value before the entry reaches the formatter.
type redactHook struct {
	mu      sync.RWMutex
	secrets []string
}

func newRedactHook() *redactHook {
	return &redactHook{}
}

func (h *redactHook) add(secrets ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range secrets {
		if s == "" {
			continue
		}
		h.secrets = append(h.secrets, s)
	}
}

// Levels returns all log levels for this hook.
func (h *redactHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire rewrites the entry in place. Error values are flattened to their
// scrubbed string form so wrapped errors cannot leak a secret either.
func (h *redactHook) Fire(entry *logrus.Entry) error {
	h.mu.RLock()
	secrets := h.secrets
	h.mu.RUnlock()
	if len(secrets) == 0 {
		return nil
	}

	entry.Message = scrub(entry.Message, secrets)
	for k, v := range entry.Data {
		switch val := v.(type) {
		case string:
			entry.Data[k] = scrub(val, secrets)
		case error:
			entry.Data[k] = scrub(val.Error(), secrets)
		}
	}
	return nil
}

func scrub(s string, secrets []string) string {
	for _, secret := range secrets {
		s = strings.ReplaceAll(s, secret, RedactedMarker)
	}
	return s
}
