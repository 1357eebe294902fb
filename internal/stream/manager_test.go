package stream

import (
	"bytes"
	"context"
	"encoding/base64"
	"image/jpeg"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YousifYassi/prototype/internal/alerts"
	"github.com/YousifYassi/prototype/internal/capture"
	"github.com/YousifYassi/prototype/internal/config"
	"github.com/YousifYassi/prototype/internal/logger"
	"github.com/YousifYassi/prototype/internal/policy"
	"github.com/YousifYassi/prototype/internal/state"
)

func TestManager_EndToEndStatus(t *testing.T) {
	if testing.Short() {
		t.Skip("runs for four seconds")
	}

	opener := &capture.SyntheticOpener{}
	m := newTestManager(t, opener, 16, nil, nil)

	desc := syntheticDescriptor("site-cam", "")
	desc.FPS = 5
	ok, err := m.Add(context.Background(), desc)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(4 * time.Second)

	st, err := m.Status("site-cam")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, st.Status)
	assert.InDelta(t, 20, st.FrameCount, 4)
	require.NotNil(t, st.CurrentResult)
	assert.Equal(t, "safe", st.CurrentResult.Label)
	assert.NotNil(t, st.LastDetectionTime)
}

func TestManager_AddRejectsDuplicate(t *testing.T) {
	opener := &capture.SyntheticOpener{}
	m := newTestManager(t, opener, 4, nil, nil)

	ok, err := m.Add(context.Background(), syntheticDescriptor("cam-1", ""))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.Add(context.Background(), syntheticDescriptor("cam-1", ""))
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrStreamExists)

	d, found := m.Get("cam-1")
	require.True(t, found)
	assert.Equal(t, StatusActive, d.Status)
	assert.Equal(t, int64(1), opener.Opened())
}

func TestManager_AddValidatesSource(t *testing.T) {
	m := newTestManager(t, &capture.SyntheticOpener{}, 4, nil, nil)

	tests := []struct {
		name string
		desc Descriptor
	}{
		{"bad scheme", Descriptor{ID: "a", Kind: capture.KindRTSP, URI: "http://cam/stream"}},
		{"webcam out of range", Descriptor{ID: "b", Kind: capture.KindWebcam, URI: "11"}},
		{"file kind", Descriptor{ID: "c", Kind: capture.KindFile, URI: "/tmp/video.mp4"}},
		{"unknown kind", Descriptor{ID: "d", Kind: "ftp", URI: "ftp://cam"}},
		{"bad severity", Descriptor{ID: "e", Kind: capture.KindRTSP, URI: "rtsp://cam/1", Project: policy.ProjectContext{MinSeverity: 9}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := m.Add(context.Background(), tt.desc)
			assert.False(t, ok)
			assert.Error(t, err)
		})
	}
	assert.Empty(t, m.List())
}

func TestManager_FailedStartStaysListed(t *testing.T) {
	opener := &capture.SyntheticOpener{OpenErr: &capture.OpenError{Kind: capture.ErrorUnreachable}}
	m := newTestManager(t, opener, 4, nil, nil)

	ok, err := m.Add(context.Background(), syntheticDescriptor("cam-1", ""))
	assert.True(t, ok)
	require.Error(t, err)

	d, found := m.Get("cam-1")
	require.True(t, found)
	assert.Equal(t, StatusError, d.Status)
	assert.Contains(t, d.LastError, "Cannot reach stream source")
	assert.Equal(t, int64(0), opener.Held())

	assert.True(t, m.Remove(context.Background(), "cam-1"))
}

func TestManager_RemoveIsIdempotent(t *testing.T) {
	opener := &capture.SyntheticOpener{}
	m := newTestManager(t, opener, 4, nil, nil)

	_, err := m.Add(context.Background(), syntheticDescriptor("cam-1", ""))
	require.NoError(t, err)

	assert.True(t, m.Remove(context.Background(), "cam-1"))
	assert.False(t, m.Remove(context.Background(), "cam-1"))
	assert.False(t, m.Remove(context.Background(), "never-added"))
	assert.Equal(t, int64(0), opener.Held())

	_, found := m.Get("cam-1")
	assert.False(t, found)
}

func TestManager_GetFrame(t *testing.T) {
	m := newTestManager(t, &capture.SyntheticOpener{}, 4, nil, nil)

	_, err := m.GetFrame("missing", FormatJPEG)
	assert.ErrorIs(t, err, ErrStreamNotFound)

	_, err = m.Add(context.Background(), syntheticDescriptor("cam-1", "fps=20"))
	require.NoError(t, err)

	var raw []byte
	require.Eventually(t, func() bool {
		raw, err = m.GetFrame("cam-1", FormatJPEG)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	img, err := jpeg.Decode(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, 32, img.Bounds().Dx())

	encoded, err := m.GetFrame("cam-1", FormatBase64)
	require.NoError(t, err)
	_, err = base64.StdEncoding.DecodeString(string(encoded))
	assert.NoError(t, err)

	_, err = m.GetFrame("cam-1", "png")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestManager_FrameUnavailableWhenStopped(t *testing.T) {
	m := newTestManager(t, &capture.SyntheticOpener{OpenErr: &capture.OpenError{Kind: capture.ErrorFormat}}, 4, nil, nil)

	_, err := m.Add(context.Background(), syntheticDescriptor("cam-1", ""))
	require.Error(t, err)

	_, err = m.GetFrame("cam-1", FormatJPEG)
	assert.ErrorIs(t, err, ErrFrameUnavailable)
}

func TestManager_AlertsFlowThroughDispatcher(t *testing.T) {
	dispatcher := alerts.NewDispatcher(config.AlertsConfig{QueueSize: 8, HandlerTimeout: time.Second}, logger.NewNopLogger())
	require.NoError(t, dispatcher.Start(context.Background()))
	defer dispatcher.Stop(context.Background())

	m := newTestManager(t, &capture.SyntheticOpener{}, 4, dispatcher, nil)
	handler := &collectingHandler{}
	m.OnAlert(handler)

	desc := syntheticDescriptor("cam-1", "unsafe=0-100000")
	desc.FPS = 50
	desc.Project = policy.ProjectContext{ProjectID: "site-a", JurisdictionCode: "ontario", IndustryCode: "construction"}
	_, err := m.Add(context.Background(), desc)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(handler.snapshot()) > 0 }, 3*time.Second, 10*time.Millisecond)

	// let more unsafe frames through; the cooldown keeps it at one alert
	require.Eventually(t, func() bool {
		st, _ := m.Status("cam-1")
		return st.FrameCount > 20
	}, 3*time.Second, 10*time.Millisecond)

	got := handler.snapshot()
	require.Len(t, got, 1)
	a := got[0]
	assert.Equal(t, alerts.SourceStream, a.SourceType)
	assert.Equal(t, "cam-1", a.SourceID)
	assert.Equal(t, "site-a", a.ProjectID)
	assert.Equal(t, "no_hard_hat", a.Action)
	assert.Equal(t, 4, a.Severity)
	assert.NotEmpty(t, a.Snapshot)

	st, err := m.Status("cam-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.AlertsFired)
}

func TestManager_StartStopStream(t *testing.T) {
	opener := &capture.SyntheticOpener{}
	m := newTestManager(t, opener, 4, nil, nil)

	_, err := m.Add(context.Background(), syntheticDescriptor("cam-1", ""))
	require.NoError(t, err)

	require.NoError(t, m.StopStream(context.Background(), "cam-1"))
	d, _ := m.Get("cam-1")
	assert.Equal(t, StatusInactive, d.Status)
	assert.False(t, d.Enabled)
	assert.Equal(t, int64(0), opener.Held())

	require.NoError(t, m.StartStream(context.Background(), "cam-1"))
	d, _ = m.Get("cam-1")
	assert.Equal(t, StatusActive, d.Status)
	assert.True(t, d.Enabled)

	assert.ErrorIs(t, m.StartStream(context.Background(), "nope"), ErrStreamNotFound)
	assert.ErrorIs(t, m.StopStream(context.Background(), "nope"), ErrStreamNotFound)
}

func TestManager_UpdateRestartsRunningStream(t *testing.T) {
	opener := &capture.SyntheticOpener{}
	m := newTestManager(t, opener, 4, nil, nil)

	_, err := m.Add(context.Background(), syntheticDescriptor("cam-1", ""))
	require.NoError(t, err)

	name := "Loading dock"
	fps := 2
	d, err := m.Update(context.Background(), "cam-1", Update{Name: &name, FPS: &fps})
	require.NoError(t, err)
	assert.Equal(t, "Loading dock", d.Name)
	assert.Equal(t, 2, d.FPS)
	assert.Equal(t, StatusActive, d.Status)
	assert.Equal(t, int64(2), opener.Opened())
	assert.Equal(t, int64(1), opener.Held())

	bad := "ftp://nowhere"
	_, err = m.Update(context.Background(), "cam-1", Update{URI: &bad})
	assert.Error(t, err)

	_, err = m.Update(context.Background(), "missing", Update{Name: &name})
	assert.ErrorIs(t, err, ErrStreamNotFound)
}

func TestManager_ConcurrentStartAndRemove(t *testing.T) {
	opener := &capture.SyntheticOpener{}
	m := newTestManager(t, opener, 4, nil, nil)

	for i := 0; i < 10; i++ {
		_, err := m.Add(context.Background(), syntheticDescriptor("cam-1", ""))
		require.NoError(t, err)
		require.NoError(t, m.StopStream(context.Background(), "cam-1"))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = m.StartStream(context.Background(), "cam-1")
		}()
		go func() {
			defer wg.Done()
			m.Remove(context.Background(), "cam-1")
		}()
		wg.Wait()

		// whichever wins, nothing stays open once the stream is gone
		m.Remove(context.Background(), "cam-1")
		assert.Equal(t, int64(0), opener.Held())
	}
}

func TestManager_PersistsAndRestores(t *testing.T) {
	store, err := state.NewManager(filepath.Join(t.TempDir(), "safety.db"), nil, logger.NewNopLogger())
	require.NoError(t, err)
	defer store.Close()

	opener := &capture.SyntheticOpener{}
	m := newTestManager(t, opener, 4, nil, store)

	_, err = m.Add(context.Background(), syntheticDescriptor("cam-1", ""))
	require.NoError(t, err)
	_, err = m.Add(context.Background(), syntheticDescriptor("cam-2", ""))
	require.NoError(t, err)
	require.NoError(t, m.StopStream(context.Background(), "cam-2"))
	m.StopAll(context.Background())

	restored := newTestManager(t, opener, 4, nil, store)
	require.NoError(t, restored.Start(context.Background()))

	list := restored.List()
	require.Len(t, list, 2)

	d1, _ := restored.Get("cam-1")
	assert.Equal(t, StatusActive, d1.Status)
	d2, _ := restored.Get("cam-2")
	assert.Equal(t, StatusInactive, d2.Status)
	assert.False(t, d2.Enabled)

	require.NoError(t, restored.Stop(context.Background()))
	assert.Equal(t, int64(0), opener.Held())
}

func TestManager_ConcurrentLifecycleAndReads(t *testing.T) {
	m := newTestManager(t, &capture.SyntheticOpener{}, 4, nil, newMemStore())

	_, err := m.Add(context.Background(), syntheticDescriptor("cam-1", ""))
	require.NoError(t, err)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			assert.NoError(t, m.StopStream(context.Background(), "cam-1"))
			assert.NoError(t, m.StartStream(context.Background(), "cam-1"))
		}
		close(stop)
	}()
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			d, ok := m.Get("cam-1")
			assert.True(t, ok)
			assert.Equal(t, "cam-1", d.ID)
			assert.Len(t, m.List(), 1)
		}
	}()
	wg.Wait()

	d, ok := m.Get("cam-1")
	require.True(t, ok)
	assert.True(t, d.Enabled)
	assert.Equal(t, StatusActive, d.Status)
}

func TestManager_RemoveDuringSaveDoesNotPersist(t *testing.T) {
	store := newGatedMemStore()
	opener := &capture.SyntheticOpener{}
	m := newTestManager(t, opener, 4, nil, store)

	added := make(chan struct{})
	go func() {
		defer close(added)
		m.Add(context.Background(), syntheticDescriptor("cam-1", ""))
	}()

	<-store.saving
	assert.True(t, m.Remove(context.Background(), "cam-1"))
	close(store.gate)
	<-added

	_, found := m.Get("cam-1")
	assert.False(t, found)
	assert.Empty(t, store.ids())
	assert.Equal(t, int64(0), opener.Held())

	// nothing comes back on the next start
	restored := newTestManager(t, opener, 4, nil, store)
	require.NoError(t, restored.Start(context.Background()))
	assert.Empty(t, restored.List())
}
