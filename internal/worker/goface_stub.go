//go:build !goface

package worker

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// GoFaceEncoder is unavailable in builds without the goface tag (dlib is a cgo dependency).
type GoFaceEncoder struct{}

func NewGoFaceEncoder(dir string, log *zap.Logger) (*GoFaceEncoder, error) {
	return nil, fmt.Errorf("%w: built without the goface tag", ErrUnavailable)
}

func (g *GoFaceEncoder) DetectAndEncode(ctx context.Context, image []byte) ([][]float64, error) {
	return nil, fmt.Errorf("%w: built without the goface tag", ErrUnavailable)
}

func (g *GoFaceEncoder) Close() error { return nil }
