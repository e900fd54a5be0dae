package domain

import "time"

// JobType enumerates supported pipeline job categories.
type JobType string

const (
	JobTypeGeneration JobType = "generation"
	JobTypeTraining   JobType = "training"
)

// JobStatus enumerates job lifecycle states.
type JobStatus string

const (
	JobStatusQueued           JobStatus = "queued"
	JobStatusProcessing       JobStatus = "processing"
	JobStatusAwaitingCallback JobStatus = "awaiting_callback"
	JobStatusReview           JobStatus = "review"
	JobStatusCompleted        JobStatus = "completed"
	JobStatusFailed           JobStatus = "failed"
)

// IsTerminal reports whether the status is final. Terminal jobs never
// transition again; late callbacks against them are ignored.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Step enumerates the discrete pipeline stages.
type Step string

const (
	StepBaseGen      Step = "BASE_GEN"
	StepClothSwap    Step = "CLOTH_SWAP"
	StepUpscale      Step = "UPSCALE"
	StepVideoPrep    Step = "VIDEO_PREP"
	StepVideoGen     Step = "VIDEO_GEN"
	StepTrain        Step = "TRAIN"
	StepReferenceGen Step = "REFERENCE_GEN"
)

// Artifact references one stored output produced by a pipeline step.
type Artifact struct {
	Step       Step   `json:"step"`
	StorageKey string `json:"storage_key"`
	MIME       string `json:"mime"`
	SourceURL  string `json:"source_url,omitempty"`
	Bytes      int64  `json:"bytes,omitempty"`
}

// Job is one account-requested unit of generation work, tracked from
// submission to a terminal state. The configuration snapshot is immutable
// after submission; pipeline state is mutated only by the orchestrator and
// the callback receiver.
type Job struct {
	ID        string
	AccountID string
	Type      JobType
	Status    JobStatus

	Config JobConfig

	CurrentStep  Step
	Progress     int
	PricedTotal  int64
	CostAccrued  int64
	ChargedSteps []Step
	Outputs      []Artifact
	MotionPrompt string

	ErrorMessage    string
	RetryCount      int
	CancelRequested bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// StepCharged reports whether the given step already consumed its credits.
func (j *Job) StepCharged(step Step) bool {
	for _, s := range j.ChargedSteps {
		if s == step {
			return true
		}
	}
	return false
}

// OutputFor returns the stored artifact produced by the given step, if any.
func (j *Job) OutputFor(step Step) *Artifact {
	for i := range j.Outputs {
		if j.Outputs[i].Step == step {
			return &j.Outputs[i]
		}
	}
	return nil
}

// LastOutput returns the most recently recorded artifact.
func (j *Job) LastOutput() *Artifact {
	if len(j.Outputs) == 0 {
		return nil
	}
	return &j.Outputs[len(j.Outputs)-1]
}
