//go:build !cgo

package embedding

import (
	"context"
	"errors"
)

var errNoCgo = errors.New("ONNX embedder requires CGO; build with CGO_ENABLED=1 and onnxruntime")

// ONNXEmbedder is unavailable without cgo. Every method fails.
type ONNXEmbedder struct{}

// NewONNXEmbedder returns an error when built without cgo.
func NewONNXEmbedder(_ string, _, _, _ int) (*ONNXEmbedder, error) {
	return nil, errNoCgo
}

// Embed always fails.
func (e *ONNXEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, errNoCgo
}

// EmbedBatch always fails.
func (e *ONNXEmbedder) EmbedBatch(context.Context, []string) ([][]float32, error) {
	return nil, errNoCgo
}

// Dimensions returns 0.
func (e *ONNXEmbedder) Dimensions() int {
	return 0
}

// Close is a no-op.
func (e *ONNXEmbedder) Close() error {
	return nil
}
