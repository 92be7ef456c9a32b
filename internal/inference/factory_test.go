package inference_test

import (
	"context"
	"testing"

	"github.com/kiranshivaraju/genqueue/internal/config"
	"github.com/kiranshivaraju/genqueue/internal/inference"
	"github.com/kiranshivaraju/genqueue/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testImage = config.ImageConfig{Count: 3, Width: 8, Height: 4}

func TestNewProvider_KFServing(t *testing.T) {
	cfg := config.InferenceConfig{Provider: "kfserving", BaseURL: "http://localhost:8080", Model: "sd"}
	p, err := inference.NewProvider(cfg, testImage)
	require.NoError(t, err)
	assert.Equal(t, "kfserving", p.Name())
}

func TestNewProvider_Synthetic(t *testing.T) {
	p, err := inference.NewProvider(config.InferenceConfig{Provider: "synthetic"}, testImage)
	require.NoError(t, err)
	assert.Equal(t, "synthetic", p.Name())
}

func TestNewProvider_Unknown(t *testing.T) {
	_, err := inference.NewProvider(config.InferenceConfig{Provider: "openai"}, testImage)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "openai")
}

func TestSynthetic_ShapeAndDeterminism(t *testing.T) {
	p := inference.NewSynthetic(testImage)
	tasks := []models.Task{{ID: "a", Text: "hello"}, {ID: "b", Text: "world"}}

	first, err := p.Generate(context.Background(), tasks)
	require.NoError(t, err)
	second, err := p.Generate(context.Background(), tasks)
	require.NoError(t, err)

	require.Len(t, first, 2)
	assert.Equal(t, first, second)
	for i, res := range first {
		assert.Equal(t, tasks[i].ID, res.ID)
		images, err := res.OrderedImages(testImage.Count)
		require.NoError(t, err)
		for _, img := range images {
			assert.Len(t, img, testImage.Bytes())
		}
	}
	assert.NotEqual(t, first[0].Images["0"], first[1].Images["0"])
}

func TestSynthetic_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := inference.NewSynthetic(testImage).Generate(ctx, []models.Task{{ID: "a", Text: "x"}})
	assert.ErrorIs(t, err, inference.ErrTimeout)
}
