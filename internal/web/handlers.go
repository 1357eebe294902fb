package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/YousifYassi/prototype/internal/capture"
	"github.com/YousifYassi/prototype/internal/health"
	"github.com/YousifYassi/prototype/internal/ingest"
	"github.com/YousifYassi/prototype/internal/policy"
	"github.com/YousifYassi/prototype/internal/state"
	"github.com/YousifYassi/prototype/internal/storage"
	"github.com/YousifYassi/prototype/internal/stream"
)

const snapshotRoute = storage.SnapshotURLPrefix

func (s *Server) handleHealth(c *gin.Context) {
	if s.deps.Health == nil {
		c.JSON(http.StatusOK, gin.H{"status": health.StatusHealthy, "service": "web-server"})
		return
	}

	report := s.deps.Health.Check(c.Request.Context())
	code := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, report)
}

func (s *Server) handleStatus(c *gin.Context) {
	uptime := time.Since(s.startTime)

	resp := gin.H{
		"uptime":         uptime.Round(time.Second).String(),
		"uptime_seconds": int64(uptime.Seconds()),
		"version":        s.version,
		"timestamp":      time.Now().Format(time.RFC3339),
	}
	if s.deps.Streams != nil {
		resp["streams"] = s.deps.Streams.Counts()
	}
	if s.deps.Jobs != nil {
		resp["active_jobs"] = s.deps.Jobs.Active()
	}
	resp["alert_clients"] = s.deps.Hub.ClientCount()
	if s.deps.Services != nil {
		services := make(map[string]interface{})
		for name, st := range s.deps.Services.GetAllStatuses() {
			services[name] = st.Info()
		}
		resp["services"] = services
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) requireStreams(c *gin.Context) {
	if s.deps.Streams == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "Stream manager not available"})
		return
	}
	c.Next()
}

func (s *Server) requireJobs(c *gin.Context) {
	if s.deps.Jobs == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "Job runner not available"})
		return
	}
	c.Next()
}

func streamErrorStatus(err error) int {
	switch {
	case errors.Is(err, stream.ErrStreamNotFound):
		return http.StatusNotFound
	case errors.Is(err, stream.ErrStreamExists):
		return http.StatusConflict
	case errors.Is(err, stream.ErrTooManyStreams):
		return http.StatusTooManyRequests
	case errors.Is(err, stream.ErrFrameUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, stream.ErrUnsupportedFormat):
		return http.StatusBadRequest
	}
	var openErr *capture.OpenError
	if errors.As(err, &openErr) {
		return http.StatusBadGateway
	}
	return http.StatusBadRequest
}

func (s *Server) handleListStreams(c *gin.Context) {
	streams := lo.Map(s.deps.Streams.List(), func(d stream.Descriptor, _ int) stream.Descriptor {
		return d.Redacted()
	})
	c.JSON(http.StatusOK, gin.H{"streams": streams, "count": len(streams)})
}

func (s *Server) handleAddStream(c *gin.Context) {
	var desc stream.Descriptor
	if err := c.ShouldBindJSON(&desc); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Invalid request: %v", err)})
		return
	}

	if desc.ID == "" {
		desc.ID = uuid.NewString()
	}

	added, err := s.deps.Streams.Add(c.Request.Context(), desc)
	if !added {
		c.JSON(streamErrorStatus(err), gin.H{"error": err.Error()})
		return
	}
	stored, _ := s.deps.Streams.Get(desc.ID)

	resp := gin.H{"stream": stored.Redacted(), "started": err == nil}
	if err != nil {
		resp["error"] = capture.ErrorMessage(err)
	}
	c.JSON(http.StatusCreated, resp)
}

type validateRequest struct {
	stream.Descriptor
	Probe bool `json:"probe"`
}

func (s *Server) handleValidateStream(c *gin.Context) {
	var req validateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Invalid request: %v", err)})
		return
	}
	req.Kind = capture.Kind(strings.ToLower(string(req.Kind)))

	if err := stream.ValidateDescriptor(req.Descriptor); err != nil {
		c.JSON(http.StatusOK, gin.H{"valid": false, "error": err.Error()})
		return
	}
	resp := gin.H{"valid": true}

	if req.Probe && req.Kind == capture.KindRTSP && s.deps.Prober != nil {
		result, err := s.deps.Prober.Probe(c.Request.Context(), req.URI)
		if err != nil {
			resp["valid"] = false
			resp["error"] = capture.ErrorMessage(err)
			resp["error_kind"] = capture.Classify(err)
		} else {
			resp["probe"] = result
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGetStream(c *gin.Context) {
	desc, ok := s.deps.Streams.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": stream.ErrStreamNotFound.Error()})
		return
	}
	c.JSON(http.StatusOK, desc.Redacted())
}

func (s *Server) handleUpdateStream(c *gin.Context) {
	var upd stream.Update
	if err := c.ShouldBindJSON(&upd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Invalid request: %v", err)})
		return
	}

	desc, err := s.deps.Streams.Update(c.Request.Context(), c.Param("id"), upd)
	if errors.Is(err, stream.ErrStreamNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	resp := gin.H{"stream": desc.Redacted()}
	if err != nil {
		var openErr *capture.OpenError
		if !errors.As(err, &openErr) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		resp["error"] = capture.ErrorMessage(err)
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleDeleteStream(c *gin.Context) {
	if !s.deps.Streams.Remove(c.Request.Context(), c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": stream.ErrStreamNotFound.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": true})
}

func (s *Server) handleStartStream(c *gin.Context) {
	id := c.Param("id")
	if err := s.deps.Streams.StartStream(c.Request.Context(), id); err != nil {
		c.JSON(streamErrorStatus(err), gin.H{
			"error":      capture.ErrorMessage(err),
			"error_kind": capture.Classify(err),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "status": stream.StatusActive})
}

func (s *Server) handleStopStream(c *gin.Context) {
	id := c.Param("id")
	if err := s.deps.Streams.StopStream(c.Request.Context(), id); err != nil {
		c.JSON(streamErrorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "status": stream.StatusInactive})
}

func (s *Server) handleStreamStatus(c *gin.Context) {
	status, err := s.deps.Streams.Status(c.Param("id"))
	if err != nil {
		c.JSON(streamErrorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleStreamFrame(c *gin.Context) {
	format := stream.FrameFormat(c.DefaultQuery("format", string(stream.FormatJPEG)))

	frame, err := s.deps.Streams.GetFrame(c.Param("id"), format)
	if err != nil {
		c.JSON(streamErrorStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.Header("Cache-Control", "no-cache")
	if format == stream.FormatBase64 {
		c.JSON(http.StatusOK, gin.H{"frame": string(frame), "format": format})
		return
	}
	c.Data(http.StatusOK, "image/jpeg", frame)
}

func (s *Server) handleListJobs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	jobs, err := s.deps.Jobs.List(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "count": len(jobs)})
}

type submitJobRequest struct {
	VideoPath string                `json:"video_path"`
	Project   policy.ProjectContext `json:"project"`
}

func (s *Server) handleSubmitJob(c *gin.Context) {
	var req submitJobRequest

	if strings.HasPrefix(c.ContentType(), "multipart/") {
		path, project, err := s.receiveUpload(c)
		if err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, errUploadsUnavailable) {
				status = http.StatusServiceUnavailable
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		req.VideoPath, req.Project = path, project
	} else if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Invalid request: %v", err)})
		return
	}

	job, err := s.deps.Jobs.Submit(c.Request.Context(), req.VideoPath, req.Project)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, ingest.ErrRunnerStopped) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": job.ID(), "status": job.Status()})
}

var errUploadsUnavailable = errors.New("uploads are not available")

func (s *Server) receiveUpload(c *gin.Context) (string, policy.ProjectContext, error) {
	var project policy.ProjectContext
	if s.deps.Uploads == nil {
		return "", project, errUploadsUnavailable
	}

	if raw := c.PostForm("project"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &project); err != nil {
			return "", project, fmt.Errorf("invalid project: %w", err)
		}
	} else {
		project.ProjectID = c.PostForm("project_id")
		project.JurisdictionCode = c.PostForm("jurisdiction_code")
		project.IndustryCode = c.PostForm("industry_code")
		if v := c.PostForm("min_severity"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return "", project, fmt.Errorf("invalid min_severity: %w", err)
			}
			project.MinSeverity = n
		}
	}

	header, err := c.FormFile("file")
	if err != nil {
		return "", project, fmt.Errorf("file is required: %w", err)
	}
	f, err := header.Open()
	if err != nil {
		return "", project, err
	}
	defer f.Close()

	path, err := s.deps.Uploads.SaveUpload(c.Request.Context(), header.Filename, f)
	if err != nil {
		return "", project, err
	}
	return path, project, nil
}

func (s *Server) handleGetJob(c *gin.Context) {
	report, err := s.deps.Jobs.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ingest.ErrJobNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) handleListAlerts(c *gin.Context) {
	if s.deps.Alerts == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Alert store not available"})
		return
	}

	filter := state.AlertFilter{
		SourceID:   c.Query("source_id"),
		SourceType: c.Query("source_type"),
	}
	filter.MinSeverity, _ = strconv.Atoi(c.Query("min_severity"))
	filter.Limit, _ = strconv.Atoi(c.DefaultQuery("limit", "100"))
	if since := c.Query("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC3339"})
			return
		}
		filter.Since = t
	}

	records, err := s.deps.Alerts.ListAlerts(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": lo.Map(records, alertToJSON), "count": len(records)})
}

func alertToJSON(a state.AlertRecord, _ int) gin.H {
	resp := gin.H{
		"id":           a.ID,
		"source_id":    a.SourceID,
		"source_type":  a.SourceType,
		"project_id":   a.ProjectID,
		"action":       a.Action,
		"confidence":   a.Confidence,
		"severity":     a.Severity,
		"priority":     a.Priority,
		"frame_index":  a.FrameIndex,
		"timestamp":    a.Timestamp,
		"raised_at":    a.RaisedAt,
		"snapshot_url": a.SnapshotURL,
	}
	if a.RegulationCode != "" {
		resp["regulation"] = gin.H{
			"code":      a.RegulationCode,
			"title":     a.RegulationTitle,
			"violation": a.Violation,
		}
	}
	return resp
}

func (s *Server) handleAlertsWS(c *gin.Context) {
	s.deps.Hub.ServeWS(c.Writer, c.Request)
}

func (s *Server) handleListModels(c *gin.Context) {
	if s.deps.Models == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Model registry not available"})
		return
	}

	models, err := s.deps.Models.ListAvailable()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"models": models, "count": len(models)})
}

func (s *Server) handleResolveModel(c *gin.Context) {
	if s.deps.Models == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Model registry not available"})
		return
	}

	res, err := s.deps.Models.Resolve(c.Query("jurisdiction"), c.Query("industry"), c.Query("custom_model_path"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}
