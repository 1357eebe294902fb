package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YousifYassi/prototype/internal/config"
	"github.com/YousifYassi/prototype/internal/detection"
	"github.com/YousifYassi/prototype/internal/policy"
	"github.com/YousifYassi/prototype/internal/state"
)

func TestNewAlert_FromResult(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	res := &detection.Result{
		Label:      "no_hard_hat",
		Confidence: 0.93,
		IsUnsafe:   true,
		Severity:   4,
		Priority:   policy.PriorityUrgent,
		Regulation: &policy.Regulation{Code: "OHSA_26.1(1)", Title: "Fall protection"},
		AlertFired: true,
		FrameIndex: 100,
		Timestamp:  ts,
		Offset:     10 * time.Second,
	}

	a := NewAlert(SourceJob, "job-1", "site-a", res, nil)
	assert.NotEmpty(t, a.ID)
	assert.Equal(t, "no_hard_hat", a.Action)
	assert.Equal(t, int64(100), a.FrameIndex)
	assert.Equal(t, 10.0, a.Offset)
	assert.Equal(t, "job/job-1/"+a.ID+".jpg", a.SnapshotKey())

	rec := a.ToRecord()
	assert.Equal(t, "OHSA_26.1(1)", rec.RegulationCode)
	assert.Equal(t, "job", rec.SourceType)

	back := FromRecord(rec)
	require.NotNil(t, back.Regulation)
	assert.Equal(t, "Fall protection", back.Regulation.Title)
	assert.Equal(t, SourceJob, back.SourceType)
}

func TestKafkaHandler_SendsKeyedJSON(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "safety-alerts" {
			return errors.New("unexpected topic " + msg.Topic)
		}
		key, err := msg.Key.Encode()
		if err != nil {
			return err
		}
		if string(key) != "cam-1" {
			return errors.New("unexpected key " + string(key))
		}
		value, err := msg.Value.Encode()
		if err != nil {
			return err
		}
		var decoded map[string]interface{}
		if err := json.Unmarshal(value, &decoded); err != nil {
			return err
		}
		if decoded["action"] != "no_hard_hat" {
			return errors.New("unexpected action")
		}
		return nil
	})

	h := NewKafkaHandlerWithProducer(producer, "")
	require.NoError(t, h.Handle(context.Background(), testAlert("cam-1")))
	require.NoError(t, h.Close())
}

func TestKafkaHandler_SendFailure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	h := NewKafkaHandlerWithProducer(producer, "alerts")
	err := h.Handle(context.Background(), testAlert("cam-1"))
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	require.NoError(t, h.Close())
}

type memStore struct {
	records []state.AlertRecord
}

func (m *memStore) SaveAlert(ctx context.Context, rec state.AlertRecord) error {
	m.records = append(m.records, rec)
	return nil
}

func TestStoreHandler(t *testing.T) {
	store := &memStore{}
	h := NewStoreHandler(store)
	require.NoError(t, h.Handle(context.Background(), testAlert("cam-1")))
	require.Len(t, store.records, 1)
	assert.Equal(t, "cam-1", store.records[0].SourceID)
}

func TestMinioArchiver_PutsObject(t *testing.T) {
	var mu sync.Mutex
	puts := map[string][]byte{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodHead:
			w.WriteHeader(http.StatusOK)
		case http.MethodPut:
			body, _ := io.ReadAll(r.Body)
			mu.Lock()
			puts[r.URL.Path] = body
			mu.Unlock()
			w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotImplemented)
		}
	}))
	defer srv.Close()

	arch, err := NewMinioArchiver(context.Background(), config.MinioConfig{
		Endpoint:  strings.TrimPrefix(srv.URL, "http://"),
		AccessKey: "minio",
		SecretKey: "minio123",
		Bucket:    "alert-snapshots",
		Region:    "us-east-1",
	})
	require.NoError(t, err)

	url, err := arch.Archive(context.Background(), "stream/cam-1/a.jpg", []byte("jpeg"))
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/alert-snapshots/stream/cam-1/a.jpg", url)

	mu.Lock()
	defer mu.Unlock()
	body, ok := puts["/alert-snapshots/stream/cam-1/a.jpg"]
	require.True(t, ok)
	assert.Contains(t, string(body), "jpeg")
}
