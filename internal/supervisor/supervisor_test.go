package supervisor

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunSucceedsOnZeroExit(t *testing.T) {
	err := Run(context.Background(), Spec{Command: "exit 0"}, nil, nil)
	assert.NoError(t, err)
}

func TestRunReturnsExitErrorWithStderr(t *testing.T) {
	err := Run(context.Background(), Spec{Command: "echo boom 1>&2; exit 3"}, nil, nil)
	require.Error(t, err)
	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 3, exitErr.ExitCode)
	assert.Contains(t, exitErr.Stderr, "boom")
}

func TestRunSubstitutesChangedFilePathToken(t *testing.T) {
	err := Run(context.Background(), Spec{Command: "test \"$FILE\" = /tmp/x.txt", ChangedFilePath: "/tmp/x.txt"}, nil, nil)
	assert.NoError(t, err)
}

func TestRunInvokesOnSpawnAndOnExit(t *testing.T) {
	var spawned *os.Process
	var exitErr error
	exitCalled := false
	err := Run(context.Background(), Spec{Command: "exit 0"},
		func(p *os.Process) { spawned = p },
		func(e error) { exitCalled = true; exitErr = e },
	)
	require.NoError(t, err)
	assert.NotNil(t, spawned)
	assert.True(t, exitCalled)
	assert.NoError(t, exitErr)
}

func TestKillOnNilProcessIsNoop(t *testing.T) {
	assert.NoError(t, Kill(nil))
}

func TestKillTerminatesRunningProcessGroup(t *testing.T) {
	type result struct {
		err error
	}
	done := make(chan result, 1)
	var proc *os.Process
	spawnedCh := make(chan struct{})

	go func() {
		err := Run(context.Background(), Spec{Command: "sleep 30"},
			func(p *os.Process) {
				proc = p
				close(spawnedCh)
			}, nil)
		done <- result{err: err}
	}()

	<-spawnedCh
	require.NoError(t, Kill(proc))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("process was not killed")
	}
}
