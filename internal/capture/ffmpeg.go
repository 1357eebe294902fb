package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"io"
	"math"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/YousifYassi/prototype/internal/config"
	"github.com/YousifYassi/prototype/internal/logger"
)

const (
	defaultFileFPS = 30.0
	stderrTailSize = 8 * 1024
)

var fpsPattern = regexp.MustCompile(`(\d+(?:\.\d+)?) fps`)

// FFmpegOpener opens sources by piping them through an ffmpeg process that
// emits MJPEG frames on stdout.
type FFmpegOpener struct {
	logger        *logger.Logger
	ffmpegPath    string
	rtspTransport string
	openTimeout   time.Duration
	readTimeout   time.Duration
	quality       int
	prober        *Prober
}

// NewFFmpegOpener creates an opener from capture configuration
func NewFFmpegOpener(cfg config.CaptureConfig, log *logger.Logger) *FFmpegOpener {
	o := &FFmpegOpener{
		logger:        log,
		ffmpegPath:    cfg.FFmpegPath,
		rtspTransport: cfg.RTSPTransport,
		openTimeout:   cfg.OpenTimeout,
		readTimeout:   cfg.ReadTimeout,
		quality:       cfg.PipeQuality,
	}
	if o.ffmpegPath == "" {
		o.ffmpegPath = "ffmpeg"
	}
	if o.rtspTransport == "" {
		o.rtspTransport = "tcp"
	}
	if o.quality <= 0 {
		o.quality = 3
	}
	if cfg.ProbeRTSP {
		o.prober = NewProber(cfg.OpenTimeout, log)
	}
	return o
}

// Path returns the ffmpeg binary in use
func (o *FFmpegOpener) Path() string {
	return o.ffmpegPath
}

// Version returns the first line of `ffmpeg -version`
func (o *FFmpegOpener) Version(ctx context.Context) (string, error) {
	output, err := exec.CommandContext(ctx, o.ffmpegPath, "-version").Output()
	if err != nil {
		return "", fmt.Errorf("failed to get ffmpeg version: %w", err)
	}
	line, _, _ := strings.Cut(string(output), "\n")
	return strings.TrimSpace(line), nil
}

// BuildArgs returns the ffmpeg arguments for spec
func (o *FFmpegOpener) BuildArgs(spec Spec) ([]string, error) {
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = o.openTimeout
	}
	usec := strconv.FormatInt(timeout.Microseconds(), 10)

	args := []string{"-hide_banner", "-nostats", "-loglevel", "info"}

	switch spec.Kind {
	case KindRTSP:
		args = append(args, "-rtsp_transport", o.rtspTransport, "-timeout", usec, "-i", spec.URI)
	case KindRTMP, KindHTTP:
		args = append(args, "-rw_timeout", usec, "-i", spec.URI)
	case KindWebcam:
		idx, err := WebcamIndex(spec.URI)
		if err != nil {
			return nil, err
		}
		args = append(args, "-f", "v4l2", "-i", fmt.Sprintf("/dev/video%d", idx))
	case KindFile:
		args = append(args, "-i", spec.URI)
	default:
		return nil, fmt.Errorf("unsupported source kind %q", spec.Kind)
	}

	args = append(args, "-an")
	if spec.Kind.IsLive() && spec.FPS > 0 {
		args = append(args, "-vf", fmt.Sprintf("fps=%d", spec.FPS))
	}
	args = append(args,
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-q:v", strconv.Itoa(o.quality),
		"-",
	)
	return args, nil
}

// Open starts an ffmpeg process for spec. Connection problems surface on
// the first Read as an *OpenError.
func (o *FFmpegOpener) Open(ctx context.Context, spec Spec) (Source, error) {
	if spec.Kind == KindFile {
		if _, err := os.Stat(spec.URI); err != nil {
			return nil, &OpenError{Kind: ErrorFormat, Source: spec.URI, Err: err}
		}
	} else if err := ValidateSource(spec.Kind, spec.URI); err != nil {
		return nil, &OpenError{Kind: ErrorFormat, Source: spec.URI, Err: err}
	}

	if o.prober != nil && spec.Kind == KindRTSP {
		if _, err := o.prober.Probe(ctx, spec.URI); err != nil {
			return nil, err
		}
	}

	args, err := o.BuildArgs(spec)
	if err != nil {
		return nil, &OpenError{Kind: ErrorFormat, Source: spec.URI, Err: err}
	}

	cmd := exec.Command(o.ffmpegPath, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr := newTailBuffer(stderrTailSize)
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, &OpenError{
			Kind:   ErrorGeneric,
			Source: spec.URI,
			Detail: fmt.Sprintf("ffmpeg not available: %v", err),
			Err:    err,
		}
	}

	src := &ffmpegSource{
		logger:      o.logger,
		info:        Info{Kind: spec.Kind, URI: Redact(spec.URI), Backend: "ffmpeg", FPS: float64(spec.FPS)},
		cmd:         cmd,
		stdout:      stdout,
		stderr:      stderr,
		frames:      make(chan *Frame, 2),
		done:        make(chan struct{}),
		pumpDone:    make(chan struct{}),
		readTimeout: o.readTimeout,
		opened:      time.Now(),
		source:      spec.URI,
	}
	go src.pump()

	o.logger.Debug("ffmpeg capture started",
		"kind", spec.Kind,
		"source", Redact(spec.URI),
		"pid", cmd.Process.Pid,
	)
	return src, nil
}

type ffmpegSource struct {
	logger      *logger.Logger
	cmd         *exec.Cmd
	stdout      io.ReadCloser
	stderr      *tailBuffer
	frames      chan *Frame
	done        chan struct{}
	pumpDone    chan struct{}
	readTimeout time.Duration
	opened      time.Time
	source      string

	err       error // written by pump before frames is closed
	closed    atomic.Bool
	closeOnce sync.Once

	mu   sync.RWMutex
	info Info
}

func (s *ffmpegSource) pump() {
	defer close(s.pumpDone)
	defer close(s.frames)

	splitter := newMJPEGSplitter(s.stdout)
	var index int64
	for {
		data, err := splitter.Next()
		if err != nil {
			break
		}
		img, err := jpeg.Decode(bytes.NewReader(data))
		if err != nil {
			s.logger.Debug("Dropping undecodable frame", "error", err, "index", index)
			continue
		}

		frame := &Frame{Image: img, Index: index}
		if s.info.Kind.IsLive() {
			frame.Timestamp = time.Now()
			frame.Offset = frame.Timestamp.Sub(s.opened)
		} else {
			frame.Offset = time.Duration(float64(index) / s.nativeFPS() * float64(time.Second))
			frame.Timestamp = s.opened.Add(frame.Offset)
		}
		if index == 0 {
			b := img.Bounds()
			s.mu.Lock()
			s.info.Width, s.info.Height = b.Dx(), b.Dy()
			s.mu.Unlock()
		}
		index++

		select {
		case s.frames <- frame:
		case <-s.done:
			_ = s.cmd.Wait()
			s.err = ErrClosed
			return
		}
	}

	waitErr := s.cmd.Wait()
	s.err = s.exitError(index, waitErr)
}

func (s *ffmpegSource) nativeFPS() float64 {
	if fps := s.stderr.FPS(); fps > 0 {
		return fps
	}
	return defaultFileFPS
}

// exitError turns the end of the ffmpeg process into the error Read reports
func (s *ffmpegSource) exitError(frames int64, waitErr error) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if !s.info.Kind.IsLive() && frames > 0 && waitErr == nil {
		return io.EOF
	}

	tail := s.stderr.String()
	oe := &OpenError{Kind: classifyText(tail), Source: s.source, Err: waitErr}
	if oe.Kind == ErrorGeneric {
		oe.Detail = summarizeFFmpeg(tail)
		if oe.Detail == "" {
			if waitErr != nil {
				oe.Detail = fmt.Sprintf("FFmpeg exited: %v", waitErr)
			} else {
				oe.Detail = "FFmpeg produced no frames"
			}
		}
	}
	if oe.Err == nil {
		oe.Err = errors.New("stream ended")
	}
	if frames > 0 {
		return fmt.Errorf("stream ended after %d frames: %w", frames, oe)
	}
	return oe
}

func (s *ffmpegSource) Read(ctx context.Context) (*Frame, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	var timeout <-chan time.Time
	if s.readTimeout > 0 {
		timer := time.NewTimer(s.readTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case frame, ok := <-s.frames:
		if !ok {
			return nil, s.err
		}
		return frame, nil
	case <-s.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timeout:
		return nil, ErrReadTimeout
	}
}

func (s *ffmpegSource) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info := s.info
	if !info.Kind.IsLive() || info.FPS == 0 {
		if fps := s.stderr.FPS(); fps > 0 {
			info.FPS = fps
		}
	}
	return info
}

func (s *ffmpegSource) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		select {
		case <-s.pumpDone:
		case <-time.After(5 * time.Second):
			s.logger.Warn("ffmpeg capture did not exit after kill", "source", Redact(s.source))
		}
	})
	return nil
}

// summarizeFFmpeg keeps the last meaningful stderr lines
func summarizeFFmpeg(stderr string) string {
	var lines []string
	for _, line := range strings.Split(stderr, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "[") || strings.HasPrefix(line, "Input #") ||
			strings.HasPrefix(line, "Stream #") || strings.HasPrefix(line, "Output #") {
			continue
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		return ""
	}
	if len(lines) > 3 {
		lines = lines[len(lines)-3:]
	}
	return "FFmpeg error: " + strings.Join(lines, " | ")
}

// tailBuffer keeps the last max bytes written to it and remembers the
// first frame rate ffmpeg reports for the input stream.
type tailBuffer struct {
	mu   sync.Mutex
	buf  []byte
	max  int
	fps  float64
	seen bool
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.seen {
		if m := fpsPattern.FindSubmatch(p); m != nil {
			if fps, err := strconv.ParseFloat(string(m[1]), 64); err == nil && fps > 0 && !math.IsInf(fps, 0) {
				t.fps = fps
				t.seen = true
			}
		}
	}

	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = append([]byte(nil), t.buf[len(t.buf)-t.max:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

func (t *tailBuffer) FPS() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fps
}
