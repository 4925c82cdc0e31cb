package quota

import (
	"math"
	"time"

	"github.com/zairovarsen/telegram-bot/internal/config"
)

// Estimator computes the pre-call cost of each operation kind. All
// estimates are deterministic functions of the input; the engine
// replaces them with provider-reported usage when available.
type Estimator struct {
	cfg config.QuotaConfig
}

// NewEstimator creates an estimator from quota config.
func NewEstimator(cfg config.QuotaConfig) *Estimator {
	return &Estimator{cfg: cfg}
}

// EstimateText approximates prompt cost at four characters per token,
// plus the reserve budgeted for the model's reply.
func (e *Estimator) EstimateText(text string) int64 {
	chars := int64(len([]rune(text)))
	return (chars+3)/4 + e.cfg.CompletionReserve
}

// EstimateAudio prices a voice note by its duration.
func (e *Estimator) EstimateAudio(duration time.Duration) int64 {
	seconds := int64(math.Ceil(duration.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return seconds * e.cfg.TokensPerAudioSecond
}

// EstimateDocument prices PDF ingestion by the document size, using
// the same four-bytes-per-token approximation as text.
func (e *Estimator) EstimateDocument(sizeBytes int64) int64 {
	if sizeBytes < 1 {
		sizeBytes = 1
	}
	return (sizeBytes + 3) / 4
}

// ImageCost is the fixed credit cost of one image generation.
func (e *Estimator) ImageCost() int64 {
	return e.cfg.ImageGenerationCost
}
