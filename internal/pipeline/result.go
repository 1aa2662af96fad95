package pipeline

import (
	"github.com/mangalytics/mangalytics/internal/types"
)

// Status is the single field a caller must branch on.
type Status string

const (
	// StatusSucceeded means all three stages completed.
	StatusSucceeded Status = "succeeded"
	// StatusPartiallySucceeded means acquisition and extraction completed
	// but generation failed; their artifacts persist and a generation-only
	// retry against the same key is possible out-of-band.
	StatusPartiallySucceeded Status = "partially_succeeded"
	// StatusFailed means a mandatory stage failed and the run aborted.
	StatusFailed Status = "failed"
)

// StepStatus is the outcome tag of one stage.
type StepStatus string

const (
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// Stage names as they appear in step results.
const (
	StageAcquisition = "acquisition"
	StageExtraction  = "extraction"
	StageGeneration  = "generation"
)

// StepResult is the tagged outcome of one stage. Exactly one of the
// metrics fields is set when Status is StepCompleted; Failure and Reason
// are set when Status is StepFailed.
type StepResult struct {
	Name        string                    `json:"name"`
	Status      StepStatus                `json:"status"`
	Acquisition *types.AcquisitionMetrics `json:"acquisition,omitempty"`
	Extraction  *types.ExtractionMetrics  `json:"extraction,omitempty"`
	Generation  *types.GenerationMetrics  `json:"generation,omitempty"`
	Failure     FailureKind               `json:"failure,omitempty"`
	Reason      string                    `json:"reason,omitempty"`
}

// Completed reports whether the stage finished cleanly.
func (r *StepResult) Completed() bool {
	return r != nil && r.Status == StepCompleted
}

// Summary aggregates the outcome of one pipeline run. Absent steps mean
// the run aborted before reaching them.
type Summary struct {
	Overall       Status      `json:"overall"`
	PartitionKey  string      `json:"partition_key"`
	Email         string      `json:"email"`
	Topic         string      `json:"topic"`
	Date          string      `json:"date"`
	Step1         *StepResult `json:"step_1"`
	Step2         *StepResult `json:"step_2,omitempty"`
	Step3         *StepResult `json:"step_3,omitempty"`
	FailureReason string      `json:"failure_reason,omitempty"`
}

// Steps returns the attempted step results in stage order.
func (s *Summary) Steps() []*StepResult {
	steps := make([]*StepResult, 0, 3)
	for _, step := range []*StepResult{s.Step1, s.Step2, s.Step3} {
		if step != nil {
			steps = append(steps, step)
		}
	}
	return steps
}

func completedStep(name string, fill func(*StepResult)) *StepResult {
	step := &StepResult{Name: name, Status: StepCompleted}
	fill(step)
	return step
}

func failedStep(name string, err error) *StepResult {
	return &StepResult{
		Name:    name,
		Status:  StepFailed,
		Failure: Classify(err),
		Reason:  err.Error(),
	}
}
