package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"io"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ErrSyntheticEnded is returned by a live synthetic source past its frame limit
var ErrSyntheticEnded = errors.New("synthetic stream ended")

var (
	safeColor   = color.RGBA{R: 128, G: 128, B: 128, A: 255}
	unsafeColor = color.RGBA{R: 255, G: 0, B: 0, A: 255}
)

// FrameRange is an inclusive range of frame indices
type FrameRange struct {
	From int64
	To   int64
}

// Contains reports whether idx lies in the range
func (r FrameRange) Contains(idx int64) bool {
	return idx >= r.From && idx <= r.To
}

// SyntheticConfig describes generated video. Frames tagged unsafe are solid
// red, all others are mid gray.
type SyntheticConfig struct {
	Width  int
	Height int
	FPS    float64
	// Frames limits the length; 0 means unbounded for live sources and
	// DefaultSyntheticFrames for files.
	Frames int64
	Unsafe []FrameRange
}

// DefaultSyntheticFrames is the length of a synthetic file without a frames parameter
const DefaultSyntheticFrames = 300

// ParseSyntheticURI reads generator parameters from the query string of any
// URI, e.g. synthetic://site?fps=30&frames=300&unsafe=100-110
func ParseSyntheticURI(uri string) (SyntheticConfig, error) {
	cfg := SyntheticConfig{Width: 64, Height: 48, FPS: 30}

	u, err := url.Parse(uri)
	if err != nil {
		return cfg, fmt.Errorf("invalid synthetic URI: %w", err)
	}
	q := u.Query()

	if v := q.Get("width"); v != "" {
		if cfg.Width, err = strconv.Atoi(v); err != nil || cfg.Width <= 0 {
			return cfg, fmt.Errorf("invalid width %q", v)
		}
	}
	if v := q.Get("height"); v != "" {
		if cfg.Height, err = strconv.Atoi(v); err != nil || cfg.Height <= 0 {
			return cfg, fmt.Errorf("invalid height %q", v)
		}
	}
	if v := q.Get("fps"); v != "" {
		if cfg.FPS, err = strconv.ParseFloat(v, 64); err != nil || cfg.FPS <= 0 {
			return cfg, fmt.Errorf("invalid fps %q", v)
		}
	}
	if v := q.Get("frames"); v != "" {
		if cfg.Frames, err = strconv.ParseInt(v, 10, 64); err != nil || cfg.Frames < 0 {
			return cfg, fmt.Errorf("invalid frames %q", v)
		}
	}
	for _, part := range strings.Split(q.Get("unsafe"), ",") {
		if part == "" {
			continue
		}
		from, to, found := strings.Cut(part, "-")
		if !found {
			to = from
		}
		r := FrameRange{}
		if r.From, err = strconv.ParseInt(from, 10, 64); err != nil {
			return cfg, fmt.Errorf("invalid unsafe range %q", part)
		}
		if r.To, err = strconv.ParseInt(to, 10, 64); err != nil || r.To < r.From {
			return cfg, fmt.Errorf("invalid unsafe range %q", part)
		}
		cfg.Unsafe = append(cfg.Unsafe, r)
	}
	return cfg, nil
}

// SyntheticOpener generates frames instead of decoding a real source. It
// counts opened and closed handles so callers can check for leaks.
type SyntheticOpener struct {
	// Config replaces the parameters parsed from the URI when set
	Config *SyntheticConfig
	// OpenErr makes every Open fail with this error
	OpenErr error
	// FailFirstRead makes the first Read of every handle fail
	FailFirstRead error

	opened atomic.Int64
	closed atomic.Int64
}

// Open implements Opener
func (o *SyntheticOpener) Open(ctx context.Context, spec Spec) (Source, error) {
	if o.OpenErr != nil {
		return nil, o.OpenErr
	}

	var cfg SyntheticConfig
	if o.Config != nil {
		cfg = *o.Config
	} else {
		parsed, err := ParseSyntheticURI(spec.URI)
		if err != nil {
			return nil, &OpenError{Kind: ErrorFormat, Source: spec.URI, Err: err}
		}
		cfg = parsed
	}
	if spec.FPS > 0 && spec.Kind.IsLive() {
		cfg.FPS = float64(spec.FPS)
	}
	if !spec.Kind.IsLive() && cfg.Frames == 0 {
		cfg.Frames = DefaultSyntheticFrames
	}

	o.opened.Add(1)
	return &syntheticSource{
		owner:     o,
		cfg:       cfg,
		kind:      spec.Kind,
		uri:       spec.URI,
		start:     time.Now(),
		failFirst: o.FailFirstRead,
	}, nil
}

// Opened returns the number of handles opened so far
func (o *SyntheticOpener) Opened() int64 { return o.opened.Load() }

// Closed returns the number of handles released so far
func (o *SyntheticOpener) Closed() int64 { return o.closed.Load() }

// Held returns the number of handles currently open
func (o *SyntheticOpener) Held() int64 { return o.opened.Load() - o.closed.Load() }

type syntheticSource struct {
	owner     *SyntheticOpener
	cfg       SyntheticConfig
	kind      Kind
	uri       string
	start     time.Time
	next      int64
	failFirst error
	closed    atomic.Bool
	closeOnce sync.Once
}

func (s *syntheticSource) Read(ctx context.Context) (*Frame, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if s.failFirst != nil {
		err := s.failFirst
		s.failFirst = nil
		return nil, err
	}
	if s.cfg.Frames > 0 && s.next >= s.cfg.Frames {
		if s.kind.IsLive() {
			return nil, ErrSyntheticEnded
		}
		return nil, io.EOF
	}

	offset := time.Duration(float64(s.next) / s.cfg.FPS * float64(time.Second))
	frame := &Frame{Index: s.next, Offset: offset}

	if s.kind.IsLive() {
		if wait := time.Until(s.start.Add(offset)); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			}
		}
		frame.Timestamp = time.Now()
	} else {
		frame.Timestamp = s.start.Add(offset)
	}

	c := safeColor
	for _, r := range s.cfg.Unsafe {
		if r.Contains(s.next) {
			c = unsafeColor
			break
		}
	}
	img := image.NewRGBA(image.Rect(0, 0, s.cfg.Width, s.cfg.Height))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: c}, image.Point{}, draw.Src)
	frame.Image = img

	s.next++
	return frame, nil
}

func (s *syntheticSource) Info() Info {
	return Info{
		Kind:    s.kind,
		URI:     s.uri,
		Backend: "synthetic",
		Width:   s.cfg.Width,
		Height:  s.cfg.Height,
		FPS:     s.cfg.FPS,
	}
}

func (s *syntheticSource) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.owner.closed.Add(1)
	})
	return nil
}
