package tracker

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/client-go/kubernetes/fake"

	k8sgw "github.com/streamspace/vscode-devcontainer-manager/internal/k8s"
	"github.com/streamspace/vscode-devcontainer-manager/internal/model"
)

func newTestTracker() *Tracker {
	clientset := fake.NewSimpleClientset()
	gw := k8sgw.NewGatewayWithClientset(clientset, "vscode-system")
	return New(gw)
}

func TestStart_PersistsQueuedState(t *testing.T) {
	tr := newTestTracker()
	ctx := context.Background()

	err := tr.Start(ctx, "alice-12345678", map[string]string{"user_id": "alice"})
	require.NoError(t, err)

	status, err := tr.Read(ctx, "alice-12345678", func(context.Context) (bool, error) { return false, nil })
	require.NoError(t, err)
	assert.Equal(t, model.BuildStateQueued, status.Status)
}

func TestSetState_Sequence(t *testing.T) {
	tr := newTestTracker()
	ctx := context.Background()
	require.NoError(t, tr.Start(ctx, "alice-12345678", nil))

	for _, state := range []string{model.BuildStateBuilding, model.BuildStateDeploying, model.BuildStateCompleted} {
		require.NoError(t, tr.SetState(ctx, "alice-12345678", state, ""))
		status, err := tr.Read(ctx, "alice-12345678", func(context.Context) (bool, error) { return false, nil })
		require.NoError(t, err)
		assert.Equal(t, state, status.Status)
	}
}

func TestSetState_FailedCarriesError(t *testing.T) {
	tr := newTestTracker()
	ctx := context.Background()
	require.NoError(t, tr.Start(ctx, "carol-12345678", nil))

	require.NoError(t, tr.SetState(ctx, "carol-12345678", model.BuildStateFailed, "no devcontainer.json found"))

	status, err := tr.Read(ctx, "carol-12345678", func(context.Context) (bool, error) { return false, nil })
	require.NoError(t, err)
	assert.Equal(t, model.BuildStateFailed, status.Status)
	require.NotNil(t, status.Error)
	assert.Contains(t, *status.Error, "devcontainer.json")
}

func TestRead_SynthesizesCompletedWhenConfigExists(t *testing.T) {
	tr := newTestTracker()
	ctx := context.Background()

	status, err := tr.Read(ctx, "alice-12345678", func(context.Context) (bool, error) { return true, nil })

	require.NoError(t, err)
	assert.Equal(t, model.BuildStateCompleted, status.Status)
}

func TestRead_NotFoundWhenNeitherRecordExists(t *testing.T) {
	tr := newTestTracker()
	ctx := context.Background()

	_, err := tr.Read(ctx, "nobody-12345678", func(context.Context) (bool, error) { return false, nil })

	assert.True(t, errors.Is(err, k8sgw.ErrNotFound))
}

func TestDelete_TolerantOfMissing(t *testing.T) {
	tr := newTestTracker()

	err := tr.Delete(context.Background(), "missing-12345678")

	assert.NoError(t, err)
}
