package orchestrator

import (
	"errors"
	"fmt"

	"github.com/dalston-ai/dalston/pkg/models"
)

// EngineUnavailableError means a task's engine has no fresh heartbeat (or no
// engine serves the stage at all). Jobs hitting it fail fast rather than
// queue into the void.
type EngineUnavailableError struct {
	EngineID string
	Stage    models.Stage
}

func (e *EngineUnavailableError) Error() string {
	if e.EngineID == "" {
		return fmt.Sprintf("No engine available for stage '%s'.", e.Stage)
	}
	return fmt.Sprintf("Engine '%s' is not available.", e.EngineID)
}

// InvalidPipelineConfigError means the job parameters cannot produce a valid
// pipeline, e.g. an unknown model id.
type InvalidPipelineConfigError struct {
	Reason string
}

func (e *InvalidPipelineConfigError) Error() string {
	return "invalid pipeline config: " + e.Reason
}

// IsPipelineError reports whether err is a pipeline construction or dispatch
// failure that should fail the job with the error message client-visible.
func IsPipelineError(err error) bool {
	var unavailable *EngineUnavailableError
	var invalid *InvalidPipelineConfigError
	return errors.As(err, &unavailable) || errors.As(err, &invalid)
}
