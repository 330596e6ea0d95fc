package integration

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synacktraa/cillow/internal/broker"
	"github.com/synacktraa/cillow/internal/wire"
	"github.com/synacktraa/cillow/pkg/cillowclient"
)

// TestRunCommandStreams checks that RunCommand relays the child
// process's combined output as cmd_exec stream frames before the
// terminal response, rather than buffering it into one blob.
func TestRunCommandStreams(t *testing.T) {
	addr, stop := startBroker(t, broker.Config{})
	defer stop()

	c, err := cillowclient.New(addr, "")
	require.NoError(t, err)
	defer c.Disconnect()

	var lines []string
	err = c.RunCommand([]string{"echo", "hello-from-worker"}, func(f *wire.StreamFrame) {
		lines = append(lines, f.Text)
	})
	require.NoError(t, err)
	require.NotEmpty(t, lines)
	assert.Contains(t, lines[0], "hello-from-worker")
}

// TestModifyInterpreterSwitchRejectedAtProcessLimit covers S4: the
// per-client worker cap rejects a second interpreter. S5 is covered by
// TestDeleteInterpreterFallsBackToDefault.
func TestModifyInterpreterSwitchRejectedAtProcessLimit(t *testing.T) {
	addr, stop := startBroker(t, broker.Config{WorkersPerClient: 1})
	defer stop()

	c, err := cillowclient.New(addr, "")
	require.NoError(t, err)
	defer c.Disconnect()

	other := makeEnvironment(t)
	err = c.SwitchInterpreter(other)
	require.Error(t, err)
	var reqErr *cillowclient.RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Contains(t, reqErr.Message, "process limit")
}

// TestDeleteInterpreterFallsBackToDefault covers S5 with a client whose
// cap allows a second environment: deleting it falls back to the
// client's default.
func TestDeleteInterpreterFallsBackToDefault(t *testing.T) {
	addr, stop := startBroker(t, broker.Config{WorkersPerClient: 2})
	defer stop()

	c, err := cillowclient.New(addr, "")
	require.NoError(t, err)
	defer c.Disconnect()

	def, err := c.DefaultEnvironment()
	require.NoError(t, err)

	env1 := makeEnvironment(t)
	require.NoError(t, c.SwitchInterpreter(env1))

	require.NoError(t, c.DeleteInterpreter(env1))

	current, err := c.CurrentEnvironment()
	require.NoError(t, err)
	assert.Equal(t, def, current)
}

// TestDeleteInterpreterInvalidEnvironmentRejected confirms an invalid
// environment on ModifyInterpreter{mode: delete} surfaces as a
// request_exception instead of being swallowed like a plain "no worker
// for this env" no-op.
func TestDeleteInterpreterInvalidEnvironmentRejected(t *testing.T) {
	addr, stop := startBroker(t, broker.Config{})
	defer stop()

	c, err := cillowclient.New(addr, "")
	require.NoError(t, err)
	defer c.Disconnect()

	err = c.DeleteInterpreter(wire.Environment(t.TempDir()))
	require.Error(t, err)
	var reqErr *cillowclient.RequestError
	require.ErrorAs(t, err, &reqErr)
}

// TestGetEnvironmentAll covers S6: after owning workers for two
// environments, request_done carries the ordered set of live ones.
func TestGetEnvironmentAll(t *testing.T) {
	addr, stop := startBroker(t, broker.Config{WorkersPerClient: 2})
	defer stop()

	c, err := cillowclient.New(addr, "")
	require.NoError(t, err)
	defer c.Disconnect()

	env1 := makeEnvironment(t)
	require.NoError(t, c.SwitchInterpreter(env1))

	raw, err := c.AllEnvironments()
	require.NoError(t, err)

	var envs []string
	require.NoError(t, json.Unmarshal(raw, &envs))
	assert.Len(t, envs, 2)
	assert.Contains(t, envs, string(env1))
}
