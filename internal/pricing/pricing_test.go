package pricing

import (
	"testing"

	"github.com/stretchr/testify/require"

	"creatorforge/internal/domain"
)

func TestPriceImageStage(t *testing.T) {
	tests := []struct {
		name string
		cfg  domain.GenerationConfig
		want int64
	}{
		{"base only", domain.GenerationConfig{Prompt: "p"}, 1},
		{"upscale factor 1 is base", domain.GenerationConfig{Prompt: "p", UpscaleFactor: 1}, 1},
		{"upscale alone", domain.GenerationConfig{Prompt: "p", UpscaleFactor: 2}, 2},
		{"swap alone", domain.GenerationConfig{Prompt: "p", ChangeClothes: true, ClothesURL: "https://x/c.png"}, 2},
		{"swap plus upscale is flat", domain.GenerationConfig{Prompt: "p", ChangeClothes: true, ClothesURL: "https://x/c.png", UpscaleFactor: 2}, 3},
		{"swap plus large upscale stays flat", domain.GenerationConfig{Prompt: "p", ChangeClothes: true, ClothesURL: "https://x/c.png", UpscaleFactor: 5}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Price(tt.cfg))
		})
	}
}

func TestPriceVideoStageAdditive(t *testing.T) {
	base := domain.GenerationConfig{Prompt: "p", Video: true, VideoDuration: 5}

	fast720 := base
	fast720.VideoRes = domain.Resolution720p
	fast720.VideoTier = domain.VideoTierFast
	require.Equal(t, int64(1+5), Price(fast720))

	fast1080 := base
	fast1080.VideoRes = domain.Resolution1080p
	fast1080.VideoTier = domain.VideoTierFast
	require.Equal(t, int64(1+8), Price(fast1080))

	pro1080 := base
	pro1080.VideoRes = domain.Resolution1080p
	pro1080.VideoTier = domain.VideoTierPro
	require.Equal(t, int64(1+12), Price(pro1080))

	pro4k := base
	pro4k.VideoRes = domain.Resolution4K
	pro4k.VideoTier = domain.VideoTierPro
	require.Equal(t, int64(1+40), Price(pro4k))

	// Pro tier at a lower resolution prices at the pro 1080p cell.
	pro720 := base
	pro720.VideoRes = domain.Resolution720p
	pro720.VideoTier = domain.VideoTierPro
	require.Equal(t, int64(1+12), Price(pro720))
}

func TestPriceDeterministicAndNonNegative(t *testing.T) {
	cfgs := []domain.GenerationConfig{
		{Prompt: "p"},
		{Prompt: "p", ChangeClothes: true, ClothesURL: "u", UpscaleFactor: 4, Video: true, VideoDuration: 10, VideoRes: domain.Resolution4K, VideoTier: domain.VideoTierPro},
		{Prompt: "p", UpscaleFactor: 8},
	}
	for _, cfg := range cfgs {
		first := Price(cfg)
		require.GreaterOrEqual(t, first, int64(0))
		require.Equal(t, first, Price(cfg))
	}
}

func TestTrainingPrice(t *testing.T) {
	require.Equal(t, int64(75), TrainingPrice(domain.TrainingConfig{CharacterID: "c", Steps: domain.TrainingStepsFast}))
	require.Equal(t, int64(150), TrainingPrice(domain.TrainingConfig{CharacterID: "c", Steps: domain.TrainingStepsQuality}))
}

func TestStepPricesSumToTotal(t *testing.T) {
	cfgs := []domain.GenerationConfig{
		{Prompt: "p"},
		{Prompt: "p", UpscaleFactor: 3},
		{Prompt: "p", ChangeClothes: true, ClothesURL: "u"},
		{Prompt: "p", ChangeClothes: true, ClothesURL: "u", UpscaleFactor: 3},
		{Prompt: "p", Video: true, VideoDuration: 5, VideoRes: domain.Resolution1080p, VideoTier: domain.VideoTierFast},
		{Prompt: "p", ChangeClothes: true, ClothesURL: "u", UpscaleFactor: 2, Video: true, VideoDuration: 10, VideoRes: domain.Resolution4K, VideoTier: domain.VideoTierPro},
	}
	for _, gen := range cfgs {
		genCopy := gen
		wrapped := domain.JobConfig{Version: domain.ConfigVersion, Generation: &genCopy}
		var sum int64
		sum += StepPrice(wrapped, domain.StepBaseGen)
		if gen.ChangeClothes {
			sum += StepPrice(wrapped, domain.StepClothSwap)
		}
		if gen.UpscaleFactor > 1 {
			sum += StepPrice(wrapped, domain.StepUpscale)
		}
		if gen.Video {
			sum += StepPrice(wrapped, domain.StepVideoPrep)
			sum += StepPrice(wrapped, domain.StepVideoGen)
		}
		require.Equal(t, Price(gen), sum, "config %+v", gen)
	}

	training := domain.JobConfig{Version: domain.ConfigVersion, Training: &domain.TrainingConfig{CharacterID: "c", Steps: domain.TrainingStepsQuality}}
	sum := StepPrice(training, domain.StepTrain) + StepPrice(training, domain.StepReferenceGen)
	require.Equal(t, Total(training), sum)
}
