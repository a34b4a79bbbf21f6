package temporalruntime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"

	"github.com/theater-project/theater/capability"
	"github.com/theater-project/theater/component"
)

// fakeInstance lets us test callWorkflow/callActivity without a real
// hostfuncruntime.Instance.
type fakeInstance struct {
	calls int
}

func (f *fakeInstance) Call(ctx context.Context, iface capability.InterfaceID, function string, params []byte) ([]byte, error) {
	f.calls++
	return append([]byte("echo:"), params...), nil
}
func (f *fakeInstance) Close(context.Context) error { return nil }

// TestCallWorkflowRunsActivityAgainstRegisteredInstance exercises the
// workflow/activity pair in isolation, using Temporal's deterministic test
// environment rather than a live server or worker.
func TestCallWorkflowRunsActivityAgainstRegisteredInstance(t *testing.T) {
	inst := &fakeInstance{}
	rt := &Runtime{instances: map[string]component.Instance{"inst-1": inst}}

	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestWorkflowEnvironment()
	env.RegisterActivityWithOptions(rt.callActivity, activityRegisterOptions())

	env.ExecuteWorkflow(rt.callWorkflow, callInput{
		InstanceID: "inst-1",
		Iface:      capability.InterfaceID{Interface: "theater:simple/echo", Version: "0.1.0"},
		Function:   "say",
		Params:     []byte("hi"),
	})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var result []byte
	require.NoError(t, env.GetWorkflowResult(&result))
	require.Equal(t, "echo:hi", string(result))
	require.Equal(t, 1, inst.calls)
}

func TestCallActivityFailsForUnknownInstance(t *testing.T) {
	rt := &Runtime{instances: map[string]component.Instance{}}
	_, err := rt.callActivity(context.Background(), callInput{InstanceID: "missing"})
	require.Error(t, err)
}
