package nats

import (
	"time"

	"github.com/inboxrelay/relay/worker/internal/service"
)

// StepJobResponse is published on relay.steps.results once a job was
// handled. Failed is set when the job itself could not be processed; step
// level failures are reported inside Result.
type StepJobResponse struct {
	JobID       string             `json:"jobId"`
	Success     bool               `json:"success"`
	Error       string             `json:"error,omitempty"`
	Result      *service.JobResult `json:"result,omitempty"`
	CompletedAt time.Time          `json:"completedAt"`
}

// StateChangeEvent is received on relay.messages.state.
type StateChangeEvent = service.StateChangeRequest
