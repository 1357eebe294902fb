package web

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/YousifYassi/prototype/internal/stream"
)

const mjpegPollInterval = 100 * time.Millisecond

// handleMJPEGStream pushes each new annotated frame of a stream as a
// multipart/x-mixed-replace part until the client disconnects or the
// stream is removed.
func (s *Server) handleMJPEGStream(c *gin.Context) {
	id := c.Param("id")
	if _, ok := s.deps.Streams.Get(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": stream.ErrStreamNotFound.Error()})
		return
	}

	c.Header("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("Pragma", "no-cache")
	c.Header("X-Accel-Buffering", "no")

	ticker := time.NewTicker(mjpegPollInterval)
	defer ticker.Stop()

	var last []byte
	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case <-ticker.C:
		}

		frame, err := s.deps.Streams.GetFrame(id, stream.FormatJPEG)
		switch {
		case err == stream.ErrFrameUnavailable:
			return true
		case err != nil:
			return false
		case bytes.Equal(frame, last):
			return true
		}
		last = frame

		fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(frame))
		w.Write(frame)
		fmt.Fprint(w, "\r\n")
		return true
	})
}
