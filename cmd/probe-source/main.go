// Command probe-source validates a video source, opens it with the
// configured capture backend and reports the classified result.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/YousifYassi/prototype/internal/capture"
	_ "github.com/YousifYassi/prototype/internal/capture/opencv"
	"github.com/YousifYassi/prototype/internal/config"
	"github.com/YousifYassi/prototype/internal/logger"
)

type result struct {
	URI       string               `json:"uri"`
	Kind      capture.Kind         `json:"kind"`
	OK        bool                 `json:"ok"`
	ErrorKind capture.ErrorKind    `json:"error_kind,omitempty"`
	Message   string               `json:"message,omitempty"`
	Width     int                  `json:"width,omitempty"`
	Height    int                  `json:"height,omitempty"`
	Elapsed   string               `json:"elapsed"`
	Probe     *capture.ProbeResult `json:"probe,omitempty"`
}

func main() {
	var (
		configPath string
		kind       string
		timeout    time.Duration
	)
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.StringVar(&kind, "kind", "rtsp", "Source kind: rtsp, rtmp, http, webcam or file")
	flag.DurationVar(&timeout, "timeout", 0, "Open timeout (defaults to capture.open_timeout)")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <uri>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		cfg = config.Default()
	}
	if timeout > 0 {
		cfg.Capture.OpenTimeout = timeout
	}

	log, err := logger.New(logger.LogConfig{Level: "warn", Format: "text", Output: "stderr"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	res := probe(cfg, log, kind, flag.Arg(0))

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(res)

	if !res.OK {
		os.Exit(1)
	}
}

func probe(cfg *config.Config, log *logger.Logger, rawKind, uri string) result {
	start := time.Now()
	res := result{URI: capture.Redact(uri)}
	fail := func(err error) result {
		res.ErrorKind = capture.Classify(err)
		res.Message = capture.ErrorMessage(err)
		res.Elapsed = time.Since(start).Round(time.Millisecond).String()
		return res
	}

	k, err := capture.ParseKind(rawKind)
	if err != nil {
		return fail(&capture.OpenError{Kind: capture.ErrorFormat, Err: err})
	}
	res.Kind = k
	if err := capture.ValidateSource(k, uri); err != nil {
		return fail(&capture.OpenError{Kind: capture.ErrorFormat, Err: err})
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Capture.OpenTimeout+cfg.Capture.ReadTimeout)
	defer cancel()

	if k == capture.KindRTSP {
		p, err := capture.NewProber(cfg.Capture.OpenTimeout, log).Probe(ctx, uri)
		if err != nil {
			return fail(err)
		}
		res.Probe = p
	}

	opener, err := capture.NewOpener(cfg.Capture, log)
	if err != nil {
		return fail(err)
	}
	src, err := opener.Open(ctx, capture.Spec{Kind: k, URI: uri, Timeout: cfg.Capture.OpenTimeout})
	if err != nil {
		return fail(err)
	}
	defer src.Close()

	frame, err := src.Read(ctx)
	if err != nil {
		return fail(capture.NewOpenError(uri, err))
	}

	b := frame.Image.Bounds()
	res.OK = true
	res.Width, res.Height = b.Dx(), b.Dy()
	res.Elapsed = time.Since(start).Round(time.Millisecond).String()
	return res
}
