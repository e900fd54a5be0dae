// Package pricing maps a requested job configuration to a credit price. All
// functions are pure and deterministic; charging is the ledger's concern.
package pricing

import "creatorforge/internal/domain"

// Image stage prices in credits.
const (
	baseImagePrice   int64 = 1
	clothSwapAdd     int64 = 1
	upscaleAdd       int64 = 1
	swapUpscaleCombo int64 = 3
	upscaleOnlyStage int64 = 2
)

// Video stage prices, additive on top of the image stage.
const (
	videoFast720  int64 = 5
	videoFast1080 int64 = 8
	videoPro1080  int64 = 12
	videoPro4K    int64 = 40
)

// Training prices by step preset.
const (
	trainingFastPrice    int64 = 75
	trainingQualityPrice int64 = 150
)

// Price returns the total credit price for a generation config.
func Price(cfg domain.GenerationConfig) int64 {
	return imageStage(cfg) + videoStage(cfg)
}

// TrainingPrice returns the credit price for a training config.
func TrainingPrice(cfg domain.TrainingConfig) int64 {
	if cfg.Steps <= domain.TrainingStepsFast {
		return trainingFastPrice
	}
	return trainingQualityPrice
}

// imageStage prices base generation plus optional swap and upscale. Swap
// combined with any upscale factor above 1 is a flat rate, never the sum.
func imageStage(cfg domain.GenerationConfig) int64 {
	swap := cfg.ChangeClothes
	upscale := cfg.UpscaleFactor > 1
	switch {
	case swap && upscale:
		return swapUpscaleCombo
	case swap:
		return baseImagePrice + clothSwapAdd
	case upscale:
		return upscaleOnlyStage
	default:
		return baseImagePrice
	}
}

func videoStage(cfg domain.GenerationConfig) int64 {
	if !cfg.Video {
		return 0
	}
	if cfg.VideoTier == domain.VideoTierPro {
		if cfg.VideoRes == domain.Resolution4K {
			return videoPro4K
		}
		return videoPro1080
	}
	if cfg.VideoRes == domain.Resolution1080p {
		return videoFast1080
	}
	return videoFast720
}

// StepPrice returns the incremental charge the orchestrator consumes from the
// reservation when a step runs. The split reproduces every stage total above,
// so a skipped step leaves exactly its share unconsumed.
func StepPrice(cfg domain.JobConfig, step domain.Step) int64 {
	switch step {
	case domain.StepBaseGen:
		return baseImagePrice
	case domain.StepClothSwap:
		return clothSwapAdd
	case domain.StepUpscale:
		if cfg.Generation != nil && cfg.Generation.UpscaleFactor > 1 {
			return upscaleAdd
		}
		return 0
	case domain.StepVideoGen:
		if cfg.Generation != nil {
			return videoStage(*cfg.Generation)
		}
		return 0
	case domain.StepTrain:
		if cfg.Training != nil {
			return TrainingPrice(*cfg.Training)
		}
		return 0
	default:
		// VIDEO_PREP and REFERENCE_GEN are covered by the stage price.
		return 0
	}
}

// Total returns the price for a wrapped job config.
func Total(cfg domain.JobConfig) int64 {
	switch {
	case cfg.Generation != nil:
		return Price(*cfg.Generation)
	case cfg.Training != nil:
		return TrainingPrice(*cfg.Training)
	default:
		return 0
	}
}
