package optimizations

import (
	"math"

	"github.com/manningwu07/charGPT/params"
)

// FloorRatio is the fraction of the peak LR the cosine decay bottoms out at.
const FloorRatio = 0.1

// Schedule maps the number of target tokens seen so far to a learning rate:
// linear warmup to PeakLR, then cosine decay down to FloorRatio*PeakLR, held there
// past FinalTokens. With Decay off the rate is constant.
type Schedule struct {
	PeakLR       float64
	Decay        bool
	WarmupTokens int64
	FinalTokens  int64
}

func NewSchedule(cfg params.TrainingConfig) Schedule {
	return Schedule{
		PeakLR:       cfg.LearningRate,
		Decay:        cfg.LRDecay,
		WarmupTokens: cfg.WarmupTokens,
		FinalTokens:  cfg.FinalTokens,
	}
}

func (s Schedule) LR(tokens int64) float64 {
	return s.PeakLR * s.Multiplier(tokens)
}

func (s Schedule) Multiplier(tokens int64) float64 {
	if !s.Decay {
		return 1
	}
	if tokens < s.WarmupTokens {
		return float64(tokens) / float64(max(1, s.WarmupTokens))
	}
	p := float64(tokens-s.WarmupTokens) / float64(max(1, s.FinalTokens-s.WarmupTokens))
	p = min(max(p, 0), 1)
	return max(FloorRatio, 0.5*(1.0+math.Cos(math.Pi*p)))
}
