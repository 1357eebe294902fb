package classifier

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/YousifYassi/prototype/internal/config"
	"github.com/YousifYassi/prototype/internal/logger"
)

// ClassifyRequest is the body posted to the inference runtime
type ClassifyRequest struct {
	Model   string `json:"model"`
	Version string `json:"version,omitempty"`
	Weights string `json:"weights"`
	Shape   []int  `json:"shape"`
	DType   string `json:"dtype"`
	Data    string `json:"data"` // base64 little-endian float32
}

// ClassifyResponse is returned by the inference runtime. Exactly one of
// Logits and Probabilities is expected.
type ClassifyResponse struct {
	Logits          []float64 `json:"logits,omitempty"`
	Probabilities   []float64 `json:"probabilities,omitempty"`
	InferenceTimeMs float64   `json:"inference_time_ms"`
}

// Client talks to the model runtime over HTTP
type Client struct {
	serviceURL string
	httpClient *http.Client
	logger     *logger.Logger
}

// NewClient creates an inference runtime client
func NewClient(cfg config.InferenceConfig, log *logger.Logger) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		serviceURL: strings.TrimRight(cfg.ServiceURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     log,
	}
}

// ForModel returns a Classifier bound to m
func (c *Client) ForModel(m *Model) *HTTPClassifier {
	return &HTTPClassifier{client: c, model: m}
}

// HealthCheck checks if the inference runtime is ready
func (c *Client) HealthCheck(ctx context.Context) error {
	url := fmt.Sprintf("%s/health/ready", c.serviceURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("inference service health check failed: status %d", resp.StatusCode)
	}
	return nil
}

// HTTPClassifier classifies clips with a remote model runtime
type HTTPClassifier struct {
	client *Client
	model  *Model
}

// Model implements Classifier
func (h *HTTPClassifier) Model() *Model {
	return h.model
}

// Classify implements Classifier
func (h *HTTPClassifier) Classify(ctx context.Context, clip *Clip) (Prediction, error) {
	expected := [4]int{h.model.NumFrames, 3, h.model.InputHeight, h.model.InputWidth}
	if clip.Shape != expected {
		return Prediction{}, fmt.Errorf("%w: clip shape %v, model expects %v", ErrShapeMismatch, clip.Shape, expected)
	}

	req := ClassifyRequest{
		Model:   h.model.Name,
		Version: h.model.Version,
		Weights: h.model.WeightsPath,
		Shape:   clip.Shape[:],
		DType:   "float32",
		Data:    EncodeTensor(clip.Data),
	}
	jsonData, err := json.Marshal(req)
	if err != nil {
		return Prediction{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/api/v1/classify", h.client.serviceURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return Prediction{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	startTime := time.Now()
	resp, err := h.client.httpClient.Do(httpReq)
	if err != nil {
		return Prediction{}, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Prediction{}, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		h.client.logger.Warn("Inference service returned error",
			"status", resp.StatusCode,
			"response", string(body),
		)
		return Prediction{}, fmt.Errorf("inference service returned status %d: %s", resp.StatusCode, string(body))
	}

	var out ClassifyResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return Prediction{}, fmt.Errorf("failed to parse response: %w", err)
	}

	probs := out.Probabilities
	if len(out.Logits) > 0 {
		probs = Softmax(out.Logits)
	}

	pred, err := NewPrediction(h.model, probs)
	if err != nil {
		return Prediction{}, err
	}

	h.client.logger.Debug("Classification completed",
		"model", h.model.Name,
		"label", pred.Label,
		"confidence", pred.Confidence,
		"inference_time_ms", out.InferenceTimeMs,
		"request_duration_ms", time.Since(startTime).Milliseconds(),
	)
	return pred, nil
}

// EncodeTensor encodes float32 values as base64 little-endian bytes
func EncodeTensor(data []float32) string {
	buf := make([]byte, 4*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return base64.StdEncoding.EncodeToString(buf)
}

// DecodeTensor reverses EncodeTensor
func DecodeTensor(s string) ([]float32, error) {
	buf, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("%w: tensor payload of %d bytes", ErrShapeMismatch, len(buf))
	}
	out := make([]float32, len(buf)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return out, nil
}
