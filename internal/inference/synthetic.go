package inference

import (
	"context"
	"hash/fnv"
	"strconv"

	"github.com/kiranshivaraju/genqueue/internal/config"
	"github.com/kiranshivaraju/genqueue/pkg/models"
)

// Synthetic produces deterministic gradient images derived from the prompt.
// It lets the full pipeline run locally without a model server.
type Synthetic struct {
	image config.ImageConfig
}

func NewSynthetic(img config.ImageConfig) *Synthetic {
	return &Synthetic{image: img}
}

func (s *Synthetic) Name() string { return "synthetic" }

func (s *Synthetic) Generate(ctx context.Context, tasks []models.Task) ([]models.Result, error) {
	results := make([]models.Result, 0, len(tasks))
	for _, task := range tasks {
		if err := ctx.Err(); err != nil {
			return nil, classifyError(err)
		}
		images := make(map[string]models.Pixels, s.image.Count)
		seed := seedOf(task.Text)
		for i := 0; i < s.image.Count; i++ {
			images[strconv.Itoa(i)] = s.gradient(seed + uint32(i)*0x9e3779b9)
		}
		results = append(results, models.Result{ID: task.ID, Images: images})
	}
	return results, nil
}

func (s *Synthetic) gradient(seed uint32) models.Pixels {
	w, h := s.image.Width, s.image.Height
	px := make(models.Pixels, w*h*3)
	r0, g0, b0 := byte(seed), byte(seed>>8), byte(seed>>16)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			off := (y*w + x) * 3
			px[off] = r0 + byte(x*255/max(w-1, 1))
			px[off+1] = g0 + byte(y*255/max(h-1, 1))
			px[off+2] = b0 + byte((x+y)*255/max(w+h-2, 1))
		}
	}
	return px
}

func seedOf(text string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(text))
	return h.Sum32()
}

var _ models.InferenceProvider = (*Synthetic)(nil)
