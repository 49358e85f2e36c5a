package daemon

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBrokerServeArgs(t *testing.T) {
	assert.Equal(t, []string{"broker", "serve"}, BrokerServeArgs(""))
	assert.Equal(t, []string{"broker", "serve", "--config", "/data/local/tmp/permguard/config.yaml"},
		BrokerServeArgs("/data/local/tmp/permguard/config.yaml"))
}

// TestBrokerCommand_Detached verifies the spawned broker gets its own
// session and no inherited stdio.
func TestBrokerCommand_Detached(t *testing.T) {
	cmd := brokerCommand("/data/local/tmp/permguard/permguard", "")

	assert.Equal(t, "/data/local/tmp/permguard/permguard", cmd.Path)
	assert.Equal(t, []string{"/data/local/tmp/permguard/permguard", "broker", "serve"}, cmd.Args)
	if assert.NotNil(t, cmd.SysProcAttr) {
		assert.True(t, cmd.SysProcAttr.Setsid)
	}
	assert.Nil(t, cmd.Stdin)
	assert.Nil(t, cmd.Stdout)
	assert.Nil(t, cmd.Stderr)
}

func TestStartBrokerWithPath_MissingBinary(t *testing.T) {
	_, err := StartBrokerWithPath("/nonexistent/permguard", "")
	assert.Error(t, err)
}
