package pipeline

import "creatorforge/internal/domain"

// Relative progress weights per step. Checkpoints are cumulative weights over
// the planned steps, scaled into the 0..95 band; only completion sets 100, so
// a job paused in review never reports full progress.
var stepWeights = map[domain.Step]int{
	domain.StepBaseGen:      40,
	domain.StepClothSwap:    15,
	domain.StepUpscale:      20,
	domain.StepVideoPrep:    5,
	domain.StepVideoGen:     45,
	domain.StepTrain:        80,
	domain.StepReferenceGen: 20,
}

const lastStepProgress = 95

// plan is the ordered list of steps a job's configuration asks for, with the
// progress checkpoint each step advances to. Unrequested steps are absent
// entirely, not fast-forwarded.
type plan struct {
	steps       []domain.Step
	checkpoints map[domain.Step]int
}

func planFor(job *domain.Job) plan {
	var steps []domain.Step
	switch job.Type {
	case domain.JobTypeTraining:
		steps = []domain.Step{domain.StepTrain, domain.StepReferenceGen}
	default:
		steps = append(steps, domain.StepBaseGen)
		if gen := job.Config.Generation; gen != nil {
			if gen.ChangeClothes {
				steps = append(steps, domain.StepClothSwap)
			}
			if gen.UpscaleFactor > 1 {
				steps = append(steps, domain.StepUpscale)
			}
			if gen.Video {
				steps = append(steps, domain.StepVideoPrep, domain.StepVideoGen)
			}
		}
	}

	total := 0
	for _, s := range steps {
		total += stepWeights[s]
	}
	checkpoints := make(map[domain.Step]int, len(steps))
	cum := 0
	for i, s := range steps {
		cum += stepWeights[s]
		if i == len(steps)-1 {
			checkpoints[s] = lastStepProgress
			continue
		}
		checkpoints[s] = lastStepProgress * cum / total
	}
	return plan{steps: steps, checkpoints: checkpoints}
}

func (p plan) checkpoint(s domain.Step) int {
	return p.checkpoints[s]
}

// next returns the first planned step whose checkpoint lies beyond the given
// progress, which makes resumption a pure function of persisted state.
func (p plan) next(progress int) (domain.Step, bool) {
	for _, s := range p.steps {
		if p.checkpoints[s] > progress {
			return s, true
		}
	}
	return "", false
}
