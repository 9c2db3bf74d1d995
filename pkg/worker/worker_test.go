package worker_test

import (
	"context"
	"testing"

	"github.com/opsassist/opsai/pkg/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newShellWorker() *worker.Stub {
	return &worker.Stub{
		WorkerName: "shell",
		Desc:       "runs shell commands on the host",
		Acts: []worker.ActionDescriptor{
			{
				Name: "execute_command",
				Params: []worker.ParamDescriptor{
					{Name: "command", Type: worker.ParamString, Required: true},
				},
				SupportsDryRun: true,
			},
		},
	}
}

func TestRegistry_GetAndAction(t *testing.T) {
	reg := worker.NewRegistry(newShellWorker())

	w, ok := reg.Get("shell")
	require.True(t, ok)
	assert.Equal(t, "shell", w.Name())

	act, ok := reg.Action("shell", "execute_command")
	require.True(t, ok)
	assert.True(t, act.SupportsDryRun)
	require.Len(t, act.Params, 1)
	assert.Equal(t, "command", act.Params[0].Name)

	_, ok = reg.Action("shell", "nonexistent")
	assert.False(t, ok)

	_, ok = reg.Get("missing")
	assert.False(t, ok)
}

func TestRegistry_Descriptors(t *testing.T) {
	reg := worker.NewRegistry(newShellWorker())
	descs := reg.Descriptors()
	require.Len(t, descs, 1)
	assert.Equal(t, "shell", descs[0].Name)
}

func TestStub_DefaultExecute(t *testing.T) {
	s := &worker.Stub{WorkerName: "noop"}
	res, err := s.Execute(context.Background(), "anything", nil, true)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.Simulated)
}
