package domain

import (
	"fmt"
	"strings"
)

// ConfigVersion is the current job configuration schema version. Stored with
// every job so older snapshots stay decodable.
const ConfigVersion = 1

// Video resolutions accepted by generation configs.
const (
	Resolution720p  = "720p"
	Resolution1080p = "1080p"
	Resolution4K    = "4k"
)

// Video provider tiers accepted by generation configs.
const (
	VideoTierFast = "fast"
	VideoTierPro  = "pro"
)

// Training step presets. Only these two step counts are accepted.
const (
	TrainingStepsFast    = 600
	TrainingStepsQuality = 1200
)

// GenerationConfig is the immutable request snapshot for an image/video job.
type GenerationConfig struct {
	CharacterID   string `json:"character_id"`
	Prompt        string `json:"prompt"`
	AspectRatio   string `json:"aspect_ratio"`
	Explicit      bool   `json:"explicit"`
	ChangeClothes bool   `json:"change_clothes"`
	ClothesURL    string `json:"clothes_url,omitempty"`
	UpscaleFactor int    `json:"upscale_factor"`
	Video         bool   `json:"video"`
	VideoDuration int    `json:"video_duration,omitempty"`
	VideoRes      string `json:"video_resolution,omitempty"`
	VideoTier     string `json:"video_tier,omitempty"`
}

// TrainingConfig is the immutable request snapshot for an identity-model
// training job.
type TrainingConfig struct {
	CharacterID string `json:"character_id"`
	Steps       int    `json:"steps"`
}

// JobConfig wraps the per-type configuration with its schema version. Exactly
// one of Generation/Training is set, matching the job type.
type JobConfig struct {
	Version    int               `json:"version"`
	Generation *GenerationConfig `json:"generation,omitempty"`
	Training   *TrainingConfig   `json:"training,omitempty"`
}

var validAspectRatios = map[string]bool{
	"1:1": true, "4:3": true, "3:4": true, "16:9": true, "9:16": true,
}

// Validate checks a generation config at submission time. A clothes_url
// without change_clothes is accepted and ignored.
func (c *GenerationConfig) Validate() error {
	if strings.TrimSpace(c.Prompt) == "" {
		return fmt.Errorf("%w: prompt is required", ErrInvalidConfig)
	}
	if c.AspectRatio != "" && !validAspectRatios[c.AspectRatio] {
		return fmt.Errorf("%w: unsupported aspect ratio %q", ErrInvalidConfig, c.AspectRatio)
	}
	if c.ChangeClothes && strings.TrimSpace(c.ClothesURL) == "" {
		return fmt.Errorf("%w: change_clothes requires clothes_url", ErrInvalidConfig)
	}
	if c.UpscaleFactor < 0 || c.UpscaleFactor > 8 {
		return fmt.Errorf("%w: upscale_factor out of range", ErrInvalidConfig)
	}
	if c.Video {
		if c.VideoDuration <= 0 {
			return fmt.Errorf("%w: video_duration is required for video jobs", ErrInvalidConfig)
		}
		switch c.VideoRes {
		case Resolution720p, Resolution1080p, Resolution4K:
		default:
			return fmt.Errorf("%w: unsupported video resolution %q", ErrInvalidConfig, c.VideoRes)
		}
		switch c.VideoTier {
		case VideoTierFast, VideoTierPro:
		default:
			return fmt.Errorf("%w: unsupported video tier %q", ErrInvalidConfig, c.VideoTier)
		}
		if c.VideoRes == Resolution4K && c.VideoTier != VideoTierPro {
			return fmt.Errorf("%w: 4k rendering requires the pro provider tier", ErrInvalidConfig)
		}
	}
	return nil
}

// Validate checks a training config at submission time.
func (c *TrainingConfig) Validate() error {
	if strings.TrimSpace(c.CharacterID) == "" {
		return fmt.Errorf("%w: character_id is required", ErrInvalidConfig)
	}
	if c.Steps != TrainingStepsFast && c.Steps != TrainingStepsQuality {
		return fmt.Errorf("%w: steps must be %d or %d", ErrInvalidConfig, TrainingStepsFast, TrainingStepsQuality)
	}
	return nil
}

// Validate checks the wrapper: version known, exactly one payload present.
func (c *JobConfig) Validate(jobType JobType) error {
	if c.Version != ConfigVersion {
		return fmt.Errorf("%w: unknown config version %d", ErrInvalidConfig, c.Version)
	}
	switch jobType {
	case JobTypeGeneration:
		if c.Generation == nil || c.Training != nil {
			return fmt.Errorf("%w: generation job requires exactly the generation config", ErrInvalidConfig)
		}
		return c.Generation.Validate()
	case JobTypeTraining:
		if c.Training == nil || c.Generation != nil {
			return fmt.Errorf("%w: training job requires exactly the training config", ErrInvalidConfig)
		}
		return c.Training.Validate()
	default:
		return fmt.Errorf("%w: unknown job type %q", ErrInvalidConfig, jobType)
	}
}
