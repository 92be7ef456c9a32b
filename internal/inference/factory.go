package inference

import (
	"fmt"

	"github.com/kiranshivaraju/genqueue/internal/config"
	"github.com/kiranshivaraju/genqueue/pkg/models"
)

// NewProvider constructs the inference provider selected by config.
// Called once at worker startup.
func NewProvider(cfg config.InferenceConfig, img config.ImageConfig) (models.InferenceProvider, error) {
	switch cfg.Provider {
	case "kfserving":
		return NewKFServingClient(cfg.BaseURL, cfg.Model, cfg.Timeout), nil
	case "synthetic":
		return NewSynthetic(img), nil
	default:
		return nil, fmt.Errorf("unknown inference provider %q: must be one of kfserving, synthetic", cfg.Provider)
	}
}
