// Package frames pulls still images out of a live video source.
package frames

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/andresmejia3/rollcall/internal/utils"
)

const megabyte = 1024 * 1024

var (
	// ErrNotReady means no new frame is available yet. Callers should retry later.
	ErrNotReady = errors.New("frame not ready")
	// ErrUnavailable means the capture backend itself is missing (e.g. no ffmpeg binary).
	ErrUnavailable = errors.New("frame capture backend unavailable")
	// ErrClosed is returned by ReadFrame once the handle's decoder has exited.
	ErrClosed = errors.New("frame source closed")
)

// Source opens frame handles for a locator (file path, RTSP or HTTP URL).
type Source interface {
	// Available reports whether the backend can be used at all.
	Available() error
	Open(ctx context.Context, locator string) (Handle, error)
}

// Handle is one open video source.
type Handle interface {
	// ReadFrame returns the newest JPEG frame, or ErrNotReady if none arrived since the last call.
	ReadFrame(ctx context.Context) ([]byte, error)
	Close() error
}

// FFmpegSource decodes video with an ffmpeg child process emitting MJPEG on stdout.
type FFmpegSource struct {
	Binary string // defaults to "ffmpeg"
	FPS    int    // frames per second requested from ffmpeg, 0 keeps the source rate
}

// NewFFmpegSource returns a source using the ffmpeg binary found on PATH.
func NewFFmpegSource(fps int) *FFmpegSource {
	return &FFmpegSource{Binary: "ffmpeg", FPS: fps}
}

func (s *FFmpegSource) binary() string {
	if s.Binary == "" {
		return "ffmpeg"
	}
	return s.Binary
}

// Available checks the ffmpeg dependency.
func (s *FFmpegSource) Available() error {
	if _, err := exec.LookPath(s.binary()); err != nil {
		return fmt.Errorf("%w: %s not found: %v", ErrUnavailable, s.binary(), err)
	}
	return nil
}

// Open starts the decoder. Frames are produced in the background and only the
// most recent one is kept, so a slow consumer never works on stale images.
func (s *FFmpegSource) Open(ctx context.Context, locator string) (Handle, error) {
	ctx, cancel := context.WithCancel(ctx)
	cmd := utils.NewSafeCommandContext(ctx, s.binary(), utils.FFmpegArgs(locator, s.FPS)...)

	out, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create FFmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start FFmpeg: %w", err)
	}

	h := newPipeHandle(out, cancel)
	go func() {
		err := h.pump()
		// Reap the process before publishing the outcome so its logs are complete
		_ = cmd.Wait()
		if err == nil && cmd.Stderr.Len() > 0 {
			err = fmt.Errorf("ffmpeg: %s", cmd.Stderr.String())
		}
		h.finish(err)
	}()
	return h, nil
}

// pipeHandle splits a JPEG byte stream into frames and keeps the latest one.
type pipeHandle struct {
	r      io.Reader
	cancel context.CancelFunc
	latest chan []byte
	done   chan struct{}

	readErr error // set before done is closed
	once    sync.Once
}

func newPipeHandle(r io.Reader, cancel context.CancelFunc) *pipeHandle {
	return &pipeHandle{
		r:      r,
		cancel: cancel,
		latest: make(chan []byte, 1),
		done:   make(chan struct{}),
	}
}

// pump publishes frames until the stream ends.
func (h *pipeHandle) pump() error {
	scanner := bufio.NewScanner(h.r)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(utils.SplitJpeg)

	for scanner.Scan() {
		frame := append([]byte(nil), scanner.Bytes()...)
		// Drop the unread frame, if any, then publish the new one
		select {
		case <-h.latest:
		default:
		}
		h.latest <- frame
	}
	return scanner.Err()
}

func (h *pipeHandle) finish(err error) {
	if err != nil {
		h.readErr = fmt.Errorf("%w: %v", ErrClosed, err)
	} else {
		h.readErr = ErrClosed
	}
	close(h.done)
}

func (h *pipeHandle) ReadFrame(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case frame := <-h.latest:
		return frame, nil
	default:
	}
	select {
	case <-h.done:
		return nil, h.readErr
	default:
		return nil, ErrNotReady
	}
}

func (h *pipeHandle) Close() error {
	h.once.Do(h.cancel)
	return nil
}
