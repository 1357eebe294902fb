package capture

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/bluenviron/gortsplib/v4/pkg/liberrors"
	"github.com/pion/rtp"
	"github.com/samber/lo"

	"github.com/YousifYassi/prototype/internal/logger"
)

// ProbeResult describes a reachable RTSP source
type ProbeResult struct {
	URI         string        `json:"uri"`
	Medias      int           `json:"medias"`
	Codecs      []string      `json:"codecs"`
	FirstPacket time.Duration `json:"first_packet"`
}

// Prober checks RTSP sources with a short DESCRIBE/SETUP/PLAY handshake
// and waits for the first RTP packet.
type Prober struct {
	logger  *logger.Logger
	timeout time.Duration
}

// NewProber creates a prober with the given handshake timeout
func NewProber(timeout time.Duration, log *logger.Logger) *Prober {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Prober{logger: log, timeout: timeout}
}

// Probe connects to uri and returns an *OpenError when it is not usable
func (p *Prober) Probe(ctx context.Context, uri string) (*ProbeResult, error) {
	started := time.Now()

	u, err := base.ParseURL(uri)
	if err != nil {
		return nil, &OpenError{Kind: ErrorFormat, Source: uri, Err: fmt.Errorf("failed to parse URL: %w", err)}
	}

	timeout := p.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	transport := gortsplib.TransportTCP
	client := &gortsplib.Client{
		Transport:    &transport,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		DialContext: func(dctx context.Context, network, address string) (net.Conn, error) {
			return (&net.Dialer{Timeout: timeout}).DialContext(dctx, network, address)
		},
	}

	if err := client.Start(u.Scheme, u.Host); err != nil {
		return nil, p.classify(uri, err)
	}
	defer client.Close()

	// Close the client if the caller gives up mid-handshake
	stop := context.AfterFunc(ctx, client.Close)
	defer stop()

	desc, _, err := client.Describe(u)
	if err != nil {
		return nil, p.classify(uri, err)
	}

	videos := lo.Filter(desc.Medias, func(m *description.Media, _ int) bool {
		return m.Type == description.MediaTypeVideo
	})
	if len(videos) == 0 {
		return nil, &OpenError{Kind: ErrorFormat, Source: uri, Err: errors.New("stream has no video track")}
	}

	if err := client.SetupAll(desc.BaseURL, desc.Medias); err != nil {
		return nil, p.classify(uri, err)
	}

	firstPacket := make(chan struct{}, 1)
	client.OnPacketRTPAny(func(_ *description.Media, _ format.Format, _ *rtp.Packet) {
		select {
		case firstPacket <- struct{}{}:
		default:
		}
	})

	if _, err := client.Play(nil); err != nil {
		return nil, p.classify(uri, err)
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- client.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-firstPacket:
	case err := <-waitErr:
		return nil, p.classify(uri, err)
	case <-timer.C:
		return nil, &OpenError{
			Kind:   ErrorGeneric,
			Source: uri,
			Detail: "Stream accepted the connection but sent no video",
			Err:    ErrReadTimeout,
		}
	case <-ctx.Done():
		return nil, &OpenError{Kind: ErrorUnreachable, Source: uri, Err: ctx.Err()}
	}

	result := &ProbeResult{
		URI:    Redact(uri),
		Medias: len(desc.Medias),
		Codecs: lo.FlatMap(videos, func(m *description.Media, _ int) []string {
			return lo.Map(m.Formats, func(f format.Format, _ int) string { return f.Codec() })
		}),
		FirstPacket: time.Since(started),
	}

	p.logger.Debug("RTSP probe succeeded",
		"source", result.URI,
		"codecs", result.Codecs,
		"elapsed", result.FirstPacket,
	)
	return result, nil
}

func (p *Prober) classify(uri string, err error) *OpenError {
	var badStatus liberrors.ErrClientBadStatusCode
	if errors.As(err, &badStatus) {
		switch badStatus.Code {
		case base.StatusUnauthorized, base.StatusForbidden:
			return &OpenError{Kind: ErrorAuth, Source: uri, Err: err}
		case base.StatusNotFound:
			return &OpenError{Kind: ErrorFormat, Source: uri, Err: err}
		}
	}
	return NewOpenError(uri, err)
}
