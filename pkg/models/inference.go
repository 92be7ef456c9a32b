// Package models contains shared data models used across the genqueue codebase.
package models

import "context"

// InferenceProvider is the contract with the image generation service.
// Workers never call a concrete provider directly; they receive this interface.
type InferenceProvider interface {
	// Generate produces images for every task in the batch. Per-task failures
	// are returned as results with an error marker; a non-nil error means the
	// whole call failed and may be retried.
	Generate(ctx context.Context, tasks []Task) ([]Result, error)
	// Name returns the provider identifier (e.g., "kfserving", "synthetic").
	Name() string
}
