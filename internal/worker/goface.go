//go:build goface

package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Kagami/go-face"
	"go.uber.org/zap"
)

// GoFaceEncoder detects and encodes faces in process with dlib.
// The recognizer is not safe for concurrent use, so calls are serialized.
type GoFaceEncoder struct {
	log *zap.Logger

	mu  sync.Mutex
	rec *face.Recognizer
}

// NewGoFaceEncoder loads the dlib models from dir.
func NewGoFaceEncoder(dir string, log *zap.Logger) (*GoFaceEncoder, error) {
	rec, err := face.NewRecognizer(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load recognizer models from %s: %v", ErrUnavailable, dir, err)
	}
	log.Info("go-face recognizer loaded", zap.String("models", dir))
	return &GoFaceEncoder{log: log, rec: rec}, nil
}

func (g *GoFaceEncoder) DetectAndEncode(ctx context.Context, image []byte) ([][]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.rec == nil {
		return nil, fmt.Errorf("%w: recognizer closed", ErrUnavailable)
	}

	faces, err := g.rec.Recognize(image)
	if err != nil {
		var loadErr face.ImageLoadError
		if errors.As(err, &loadErr) {
			return nil, fmt.Errorf("%w: %v", ErrUndecodable, err)
		}
		return nil, fmt.Errorf("go-face recognize: %w", err)
	}

	out := make([][]float64, 0, len(faces))
	for _, f := range faces {
		vec := make([]float64, len(f.Descriptor))
		for i, x := range f.Descriptor {
			vec[i] = float64(x)
		}
		out = append(out, vec)
	}
	return out, nil
}

func (g *GoFaceEncoder) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.rec != nil {
		g.rec.Close()
		g.rec = nil
	}
	return nil
}
