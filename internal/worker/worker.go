// Package worker runs face detection and encoding out of process (a Python
// face_recognition child) or in process (dlib through go-face).
package worker

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/andresmejia3/rollcall/internal/utils" // Using the SafeCommand wrapper
	"go.uber.org/zap"
)

var (
	// ErrUnavailable means the detector cannot run at all (missing interpreter, crashed process, no models).
	ErrUnavailable = errors.New("face detector unavailable")
	// ErrUndecodable means the image bytes could not be decoded. The detector itself is fine.
	ErrUndecodable = errors.New("image could not be decoded")
)

const maxResponse = 64 * 1024 * 1024

type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser
}

func NewPythonWorker(id int, python, script string) (*PythonWorker, error) {
	py := utils.NewSafeCommand(python, "-u", script)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &PythonWorker{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
	}, nil
}

func (w *PythonWorker) Communicate(data []byte) ([]byte, error) {
	// Protocol: [Length][Data]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // This is where we catch the "ModuleNotFoundError" crash
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxResponse {
		return nil, fmt.Errorf("worker %d sent oversized response (%d bytes)", w.ID, respLen)
	}
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

// Encode sends one image and decodes the JSON reply: either a list of faces or an error object.
func (w *PythonWorker) Encode(image []byte) ([]types.FaceResult, error) {
	body, err := w.Communicate(image)
	if err != nil {
		return nil, fmt.Errorf("%w: worker %d: %v", ErrUnavailable, w.ID, err)
	}
	return decodeResponse(body)
}

func decodeResponse(body []byte) ([]types.FaceResult, error) {
	var faces []types.FaceResult
	if err := json.Unmarshal(body, &faces); err == nil {
		return faces, nil
	}

	var pyErr types.ErrorResult
	if err := json.Unmarshal(body, &pyErr); err != nil {
		return nil, fmt.Errorf("malformed worker response: %w", err)
	}
	if pyErr.Code == "undecodable" {
		return nil, fmt.Errorf("%w: %s", ErrUndecodable, pyErr.Error)
	}
	return nil, fmt.Errorf("python worker error: %s", pyErr.Error)
}

func (w *PythonWorker) Close() {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd != nil {
		w.Cmd.Wait()
	}
}

func (w *PythonWorker) kill() {
	if w.Cmd != nil && w.Cmd.Process != nil {
		w.Cmd.Process.Kill()
	}
	w.Close()
}

// Encoder serializes requests to a single lazily started Python worker and
// restarts it after a crash or timeout.
type Encoder struct {
	Python  string
	Script  string
	Timeout time.Duration

	log   *zap.Logger
	start func() (*PythonWorker, error)

	mu       sync.Mutex
	proc     *PythonWorker
	launches int
}

func NewEncoder(python, script string, timeout time.Duration, log *zap.Logger) *Encoder {
	e := &Encoder{Python: python, Script: script, Timeout: timeout, log: log}
	e.start = func() (*PythonWorker, error) {
		return NewPythonWorker(e.launches, e.Python, e.Script)
	}
	return e
}

// DetectAndEncode returns one 128-d embedding per face found in the JPEG image.
func (e *Encoder) DetectAndEncode(ctx context.Context, image []byte) ([][]float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.proc == nil {
		e.launches++
		proc, err := e.start()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		e.proc = proc
		e.log.Debug("python worker started", zap.Int("worker", proc.ID))
	}

	type reply struct {
		faces []types.FaceResult
		err   error
	}
	done := make(chan reply, 1)
	proc := e.proc
	go func() {
		faces, err := proc.Encode(image)
		done <- reply{faces, err}
	}()

	var timeout <-chan time.Time
	if e.Timeout > 0 {
		timer := time.NewTimer(e.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case r := <-done:
		if errors.Is(r.err, ErrUnavailable) {
			e.reset(r.err)
			return nil, r.err
		}
		if r.err != nil {
			return nil, r.err
		}
		out := make([][]float64, 0, len(r.faces))
		for _, f := range r.faces {
			out = append(out, f.Vec)
		}
		return out, nil
	case <-timeout:
		// A stuck worker cannot be trusted with the next request
		e.reset(nil)
		return nil, fmt.Errorf("face encoding timed out after %v", e.Timeout)
	case <-ctx.Done():
		e.reset(nil)
		return nil, ctx.Err()
	}
}

func (e *Encoder) reset(cause error) {
	if e.proc == nil {
		return
	}
	proc := e.proc
	e.proc = nil
	proc.kill()
	if cause == nil {
		return
	}
	fields := []zap.Field{zap.Int("worker", proc.ID), zap.Error(cause)}
	// kill waits for the process, so the captured stderr is complete here.
	if proc.Cmd != nil && proc.Cmd.Stderr.Len() > 0 {
		fields = append(fields, zap.String("stderr", proc.Cmd.Stderr.String()))
	}
	e.log.Warn("python worker lost", fields...)
}

// Close stops the worker process, if one is running.
func (e *Encoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.proc != nil {
		e.proc.Close()
		e.proc = nil
	}
	return nil
}
