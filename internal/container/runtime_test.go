package container

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsPortConflict(t *testing.T) {
	assert.False(t, IsPortConflict(nil))
	assert.False(t, IsPortConflict(errors.New("no such image")))
	assert.True(t, IsPortConflict(errors.New("Bind for 0.0.0.0:9000 failed: port is already allocated")))
	assert.True(t, IsPortConflict(errors.New("listen tcp 0.0.0.0:9001: bind: address already in use")))
}

func TestIsNotFound(t *testing.T) {
	assert.False(t, IsNotFound(nil))
	assert.False(t, IsNotFound(errors.New("connection refused")))
	assert.True(t, IsNotFound(errors.New("Error response from daemon: No such container: abc123")))
}

func TestFakeLifecycle(t *testing.T) {
	ctx := context.Background()
	f := NewFake()

	h, err := f.CreateAndStart(ctx, Spec{Name: "ctf_task_session_a", HostPort: 9000})
	require.NoError(t, err)

	st, err := f.Status(ctx, h.ID)
	require.NoError(t, err)
	assert.True(t, st.Running)

	ids, err := f.ListByNamePrefix(ctx, "ctf_task_session")
	require.NoError(t, err)
	assert.Equal(t, []string{h.ID}, ids)

	require.NoError(t, f.Remove(ctx, h.ID))
	st, err = f.Status(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, Status{State: "not_found", Running: false}, st)

	// Removing again stays quiet.
	require.NoError(t, f.Remove(ctx, h.ID))
}

func TestFakePortConflict(t *testing.T) {
	f := NewFake()
	f.PortConflicts[9000] = true

	_, err := f.CreateAndStart(context.Background(), Spec{HostPort: 9000})
	require.Error(t, err)
	assert.True(t, IsPortConflict(err))

	_, err = f.CreateAndStart(context.Background(), Spec{HostPort: 9001})
	assert.NoError(t, err)
}
