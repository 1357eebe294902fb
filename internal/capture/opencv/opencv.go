//go:build opencv

package opencv

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/YousifYassi/prototype/internal/capture"
	"github.com/YousifYassi/prototype/internal/config"
	"github.com/YousifYassi/prototype/internal/logger"
)

func init() {
	capture.RegisterBackend("opencv", func(cfg config.CaptureConfig, log *logger.Logger) (capture.Opener, error) {
		return NewOpener(cfg, log), nil
	})
}

// Opener opens sources through OpenCV's FFmpeg/V4L2 capture
type Opener struct {
	logger        *logger.Logger
	rtspTransport string
	openTimeout   time.Duration
	readTimeout   time.Duration
}

// NewOpener creates an OpenCV-backed opener
func NewOpener(cfg config.CaptureConfig, log *logger.Logger) *Opener {
	return &Opener{
		logger:        log,
		rtspTransport: cfg.RTSPTransport,
		openTimeout:   cfg.OpenTimeout,
		readTimeout:   cfg.ReadTimeout,
	}
}

// Open implements capture.Opener
func (o *Opener) Open(ctx context.Context, spec capture.Spec) (capture.Source, error) {
	var device interface{} = spec.URI
	switch spec.Kind {
	case capture.KindWebcam:
		idx, err := capture.WebcamIndex(spec.URI)
		if err != nil {
			return nil, &capture.OpenError{Kind: capture.ErrorFormat, Source: spec.URI, Err: err}
		}
		device = idx
	case capture.KindFile:
	default:
		if err := capture.ValidateSource(spec.Kind, spec.URI); err != nil {
			return nil, &capture.OpenError{Kind: capture.ErrorFormat, Source: spec.URI, Err: err}
		}
		timeout := spec.Timeout
		if timeout <= 0 {
			timeout = o.openTimeout
		}
		// OpenCV reads FFmpeg demuxer options from the environment at open time
		opts := fmt.Sprintf("timeout;%d", timeout.Microseconds())
		if spec.Kind == capture.KindRTSP {
			opts = fmt.Sprintf("rtsp_transport;%s|%s", o.rtspTransport, opts)
		}
		os.Setenv("OPENCV_FFMPEG_CAPTURE_OPTIONS", opts)
	}

	vc, err := gocv.OpenVideoCapture(device)
	if err != nil {
		return nil, capture.NewOpenError(spec.URI, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, &capture.OpenError{Kind: capture.ErrorUnreachable, Source: spec.URI, Err: fmt.Errorf("capture device did not open")}
	}
	if spec.Kind == capture.KindWebcam {
		vc.Set(gocv.VideoCaptureBufferSize, 1)
	}

	nativeFPS := vc.Get(gocv.VideoCaptureFPS)
	if nativeFPS <= 0 {
		nativeFPS = 30
	}

	src := &source{
		logger:  o.logger,
		vc:      vc,
		kind:    spec.Kind,
		frames:  make(chan result, 1),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
		opened:  time.Now(),
		timeout: o.readTimeout,
		info: capture.Info{
			Kind:    spec.Kind,
			URI:     capture.Redact(spec.URI),
			Backend: "opencv",
			Width:   int(vc.Get(gocv.VideoCaptureFrameWidth)),
			Height:  int(vc.Get(gocv.VideoCaptureFrameHeight)),
			FPS:     nativeFPS,
		},
	}
	go src.pump()
	return src, nil
}

type result struct {
	frame *capture.Frame
	err   error
}

type source struct {
	logger    *logger.Logger
	vc        *gocv.VideoCapture
	kind      capture.Kind
	info      capture.Info
	frames    chan result
	done      chan struct{}
	exited    chan struct{}
	opened    time.Time
	timeout   time.Duration
	closeOnce sync.Once
}

// pump owns the VideoCapture; cgo reads cannot be interrupted, so Close
// only signals and the pump releases the device after its current read.
func (s *source) pump() {
	defer close(s.exited)
	defer s.vc.Close()

	mat := gocv.NewMat()
	defer mat.Close()

	var index int64
	for {
		select {
		case <-s.done:
			return
		default:
		}

		var res result
		if ok := s.vc.Read(&mat); !ok || mat.Empty() {
			if !s.kind.IsLive() {
				res.err = io.EOF
			} else {
				res.err = fmt.Errorf("failed to read frame %d", index)
			}
		} else if img, err := mat.ToImage(); err != nil {
			res.err = fmt.Errorf("failed to convert frame: %w", err)
		} else {
			frame := &capture.Frame{Image: img, Index: index}
			if s.kind.IsLive() {
				frame.Timestamp = time.Now()
				frame.Offset = frame.Timestamp.Sub(s.opened)
			} else {
				frame.Offset = time.Duration(float64(index) / s.info.FPS * float64(time.Second))
				frame.Timestamp = s.opened.Add(frame.Offset)
			}
			index++
			res.frame = frame
		}

		select {
		case s.frames <- res:
		case <-s.done:
			return
		}
		if res.err == io.EOF {
			return
		}
	}
}

func (s *source) Read(ctx context.Context) (*capture.Frame, error) {
	var timeout <-chan time.Time
	if s.timeout > 0 {
		timer := time.NewTimer(s.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case res := <-s.frames:
		return res.frame, res.err
	case <-s.exited:
		select {
		case res := <-s.frames:
			return res.frame, res.err
		default:
			return nil, capture.ErrClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timeout:
		return nil, capture.ErrReadTimeout
	}
}

func (s *source) Info() capture.Info {
	return s.info
}

func (s *source) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		select {
		case <-s.exited:
		case <-time.After(5 * time.Second):
			s.logger.Warn("OpenCV capture still reading after close", "source", s.info.URI)
		}
	})
	return nil
}
