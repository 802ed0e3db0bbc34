package eventbridge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/139QQ/fundstream/config"
	"github.com/139QQ/fundstream/consistency"
)

func TestNewDisabledWithoutURL(t *testing.T) {
	bridge := New(config.EventsConfig{
		SwitchSubject:    "fundstream.events.switch",
		ViolationSubject: "fundstream.events.violation",
	}, nil)
	assert.Nil(t, bridge)
}

func TestPublishViolationBeforeStartIsNoOp(t *testing.T) {
	bridge := New(config.EventsConfig{
		NATSURL:          "nats://localhost:4222",
		ViolationSubject: "fundstream.events.violation",
	}, nil)
	require.NotNil(t, bridge)

	// Not connected yet: must drop silently, never panic or block
	bridge.PublishViolation(consistency.Violation{
		Category:  "fund_nav",
		Timestamp: time.Now(),
		Severity:  consistency.SeverityWarning,
	})
}
