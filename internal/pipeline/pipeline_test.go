package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scottylabs/kennel/internal/config"
)

func TestEnqueueBuildBackpressure(t *testing.T) {
	q := NewQueues()
	for i := 0; i < config.BuildQueueCapacity; i++ {
		require.NoError(t, q.EnqueueBuild(int64(i)))
	}
	assert.ErrorIs(t, q.EnqueueBuild(9999), ErrQueueFull)
}

func TestEnqueueDeployBackpressure(t *testing.T) {
	q := NewQueues()
	req := DeployRequest{BuildID: 1, Project: "myapp", GitRef: "main"}
	for i := 0; i < config.DeployQueueCapacity; i++ {
		require.NoError(t, q.EnqueueDeploy(req))
	}
	assert.ErrorIs(t, q.EnqueueDeploy(req), ErrQueueFull)

	// Draining one message frees one slot.
	<-q.Deploys
	assert.NoError(t, q.EnqueueDeploy(req))
}

func TestEnqueueTeardownBackpressure(t *testing.T) {
	q := NewQueues()
	for i := 0; i < config.TeardownQueueCapacity; i++ {
		require.NoError(t, q.EnqueueTeardown(int64(i)))
	}
	assert.ErrorIs(t, q.EnqueueTeardown(9999), ErrQueueFull)
}
