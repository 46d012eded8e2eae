// Package pipeline defines the bounded channels that connect the daemon's
// stages and the messages that flow through them. Producers send with a
// non-blocking select so a full queue surfaces as backpressure instead of a
// stuck task.
package pipeline

import (
	"errors"

	"github.com/scottylabs/kennel/internal/config"
)

// ErrQueueFull reports that a bounded queue rejected a message.
var ErrQueueFull = errors.New("queue is full")

// DeployRequest asks the deployer to roll out the successful artifacts of a
// build.
type DeployRequest struct {
	BuildID int64
	Project string
	GitRef  string
}

// Queues holds the daemon's inter-stage channels.
type Queues struct {
	Builds    chan int64
	Deploys   chan DeployRequest
	Teardowns chan int64
}

func NewQueues() *Queues {
	return &Queues{
		Builds:    make(chan int64, config.BuildQueueCapacity),
		Deploys:   make(chan DeployRequest, config.DeployQueueCapacity),
		Teardowns: make(chan int64, config.TeardownQueueCapacity),
	}
}

// EnqueueBuild offers a build id without blocking.
func (q *Queues) EnqueueBuild(buildID int64) error {
	select {
	case q.Builds <- buildID:
		return nil
	default:
		return ErrQueueFull
	}
}

// EnqueueDeploy offers a deploy request without blocking.
func (q *Queues) EnqueueDeploy(req DeployRequest) error {
	select {
	case q.Deploys <- req:
		return nil
	default:
		return ErrQueueFull
	}
}

// EnqueueTeardown offers a deployment id without blocking.
func (q *Queues) EnqueueTeardown(deploymentID int64) error {
	select {
	case q.Teardowns <- deploymentID:
		return nil
	default:
		return ErrQueueFull
	}
}
