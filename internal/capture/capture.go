// Package capture opens video sources (network cameras, webcams and files)
// and yields decoded frames one at a time.
package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Kind is the transport family of a video source
type Kind string

const (
	KindRTSP   Kind = "rtsp"
	KindRTMP   Kind = "rtmp"
	KindHTTP   Kind = "http"
	KindWebcam Kind = "webcam"
	KindFile   Kind = "file"
)

// MaxWebcamIndex is the highest accepted local device index
const MaxWebcamIndex = 10

var (
	// ErrReadTimeout is returned when no frame arrives within the read timeout
	ErrReadTimeout = errors.New("timed out waiting for frame")
	// ErrClosed is returned by Read after Close
	ErrClosed = errors.New("source closed")
)

// Spec describes a source to open
type Spec struct {
	Kind Kind
	URI  string
	// FPS is the target sample rate for live sources; 0 keeps the native rate.
	// Finite files are always decoded frame by frame.
	FPS     int
	Timeout time.Duration
}

// Frame is one decoded frame
type Frame struct {
	Image image.Image
	Index int64
	// Timestamp is wall clock for live sources and open time plus Offset for files.
	Timestamp time.Time
	// Offset is the position of the frame since the source was opened
	Offset time.Duration
}

// Info describes an opened source
type Info struct {
	Kind    Kind    `json:"kind"`
	URI     string  `json:"uri"`
	Backend string  `json:"backend"`
	Width   int     `json:"width,omitempty"`
	Height  int     `json:"height,omitempty"`
	FPS     float64 `json:"fps,omitempty"`
}

// Source is an opened capture handle owned by exactly one reader
type Source interface {
	// Read blocks until the next frame. Finite sources return io.EOF at the end.
	Read(ctx context.Context) (*Frame, error)
	Info() Info
	// Close releases the handle. It is safe to call more than once.
	Close() error
}

// Opener opens capture handles
type Opener interface {
	Open(ctx context.Context, spec Spec) (Source, error)
}

// OpenerFunc adapts a function to the Opener interface
type OpenerFunc func(ctx context.Context, spec Spec) (Source, error)

// Open calls f(ctx, spec)
func (f OpenerFunc) Open(ctx context.Context, spec Spec) (Source, error) {
	return f(ctx, spec)
}

// ParseKind parses a kind name
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindRTSP, KindRTMP, KindHTTP, KindWebcam, KindFile:
		return k, nil
	default:
		return "", fmt.Errorf("unsupported source kind %q", s)
	}
}

// ValidateSource checks that uri is well formed for kind
func ValidateSource(kind Kind, uri string) error {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return errors.New("source URI is required")
	}

	switch kind {
	case KindWebcam:
		_, err := WebcamIndex(uri)
		return err
	case KindRTSP:
		if !strings.HasPrefix(strings.ToLower(uri), "rtsp://") {
			return errors.New("RTSP URL must start with rtsp://")
		}
	case KindRTMP:
		if !strings.HasPrefix(strings.ToLower(uri), "rtmp://") {
			return errors.New("RTMP URL must start with rtmp://")
		}
	case KindHTTP:
		lower := strings.ToLower(uri)
		if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
			return errors.New("HTTP URL must start with http:// or https://")
		}
	case KindFile:
		return nil
	default:
		return fmt.Errorf("unsupported source kind %q", kind)
	}

	u, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Host == "" {
		return errors.New("URL is missing a host")
	}
	return nil
}

// WebcamIndex parses a local device index
func WebcamIndex(uri string) (int, error) {
	idx, err := strconv.Atoi(strings.TrimSpace(uri))
	if err != nil {
		return 0, fmt.Errorf("webcam source must be a device index, got %q", uri)
	}
	if idx < 0 || idx > MaxWebcamIndex {
		return 0, fmt.Errorf("webcam index must be between 0 and %d, got %d", MaxWebcamIndex, idx)
	}
	return idx, nil
}

// Redact hides credentials embedded in a source URI
func Redact(uri string) string {
	u, err := url.Parse(uri)
	if err != nil || u.User == nil {
		return uri
	}
	if _, hasPassword := u.User.Password(); hasPassword {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}

// IsLive reports whether frames of this kind arrive in real time
func (k Kind) IsLive() bool {
	return k != KindFile
}
