package classifier

import (
	"errors"
	"image"
	"image/color"
	"image/draw"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeManifest(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "model.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadModel_Defaults(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "model.pth"), []byte("w"), 0644))
	path := writeManifest(t, dir, `
weights: model.pth
labels: [safe, no_gloves, no_hair_net]
jurisdiction: ON
industry: food_safety
`)

	m, err := LoadModel(path)
	require.NoError(t, err)

	assert.Equal(t, "model", m.Name)
	assert.Equal(t, 16, m.NumFrames)
	assert.Equal(t, 224, m.InputHeight)
	assert.Equal(t, 224, m.InputWidth)
	assert.Equal(t, imageNetMean, m.Mean)
	assert.Equal(t, "safe", m.SafeLabel())
	assert.Equal(t, []string{"no_gloves", "no_hair_net"}, m.UnsafeLabels())
	assert.Equal(t, "on", m.Jurisdiction)
	assert.Equal(t, filepath.Join(dir, "model.pth"), m.WeightsPath)
	assert.Equal(t, "class_9", m.Label(9))
}

func TestLoadModel_MissingWeightsIsFatal(t *testing.T) {
	path := writeManifest(t, t.TempDir(), `
weights: missing.pth
labels: [safe, no_hard_hat]
`)

	_, err := LoadModel(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidModel))
	assert.Contains(t, err.Error(), "missing.pth")
}

func TestLoadModel_Invalid(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "w.pth"), []byte("w"), 0644))

	tests := map[string]string{
		"single label":    "weights: w.pth\nlabels: [safe]\n",
		"duplicate label": "weights: w.pth\nlabels: [safe, a, a]\n",
		"bad input size":  "weights: w.pth\nlabels: [safe, a]\ninput_size: [224]\n",
		"zero std":        "weights: w.pth\nlabels: [safe, a]\nstd: [0.2, 0, 0.2]\n",
		"not yaml":        "weights: [\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := LoadModel(writeManifest(t, dir, content))
			assert.ErrorIs(t, err, ErrInvalidModel)
		})
	}

	_, err := LoadModel(filepath.Join(dir, "absent.yaml"))
	assert.ErrorIs(t, err, ErrInvalidModel)
}

func TestModel_SaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	weights := filepath.Join(dir, "w.pth")
	require.NoError(t, os.WriteFile(weights, []byte("w"), 0644))

	m := &Model{
		Name: "on_construction_model", WeightsPath: weights, NumFrames: 8,
		InputHeight: 112, InputWidth: 160, Mean: imageNetMean, Std: imageNetStd,
		Labels: []string{"safe", "no_hard_hat"}, Jurisdiction: "on", Industry: "construction",
	}
	path := filepath.Join(dir, "on_construction_model.yaml")
	require.NoError(t, m.Save(path))

	loaded, err := LoadModel(path)
	require.NoError(t, err)
	assert.Equal(t, 112, loaded.InputHeight)
	assert.Equal(t, 160, loaded.InputWidth)
	assert.Equal(t, weights, loaded.WeightsPath)
	assert.Equal(t, "construction", loaded.Industry)
}

func TestPreprocess_Normalizes(t *testing.T) {
	m := &Model{NumFrames: 2, InputHeight: 4, InputWidth: 6, Mean: imageNetMean, Std: imageNetStd, Labels: []string{"safe", "x"}}

	img := image.NewRGBA(image.Rect(0, 0, 40, 30))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.RGBA{R: 255, A: 255}}, image.Point{}, draw.Src)

	plane := m.Preprocess(img)
	require.Len(t, plane, 3*4*6)

	area := 4 * 6
	assert.InDelta(t, (1-0.485)/0.229, plane[0], 1e-4)
	assert.InDelta(t, (0-0.456)/0.224, plane[area], 1e-4)
	assert.InDelta(t, (0-0.406)/0.225, plane[2*area+area-1], 1e-4)

	clip, err := m.NewClip([][]float32{plane, plane}, []int{0, 5})
	require.NoError(t, err)
	assert.Equal(t, [4]int{2, 3, 4, 6}, clip.Shape)
	assert.Equal(t, plane, clip.Plane(1))

	_, err = m.NewClip([][]float32{plane}, []int{0})
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestSoftmaxArgMax(t *testing.T) {
	probs := Softmax([]float64{1, 3, 2})
	var sum float64
	for _, p := range probs {
		sum += p
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
	assert.Equal(t, 1, ArgMax(probs))
	assert.InDelta(t, 0.6652, probs[1], 1e-4)

	assert.Equal(t, 0, ArgMax([]float64{0.5, 0.5}))
	assert.Nil(t, Softmax(nil))

	// large logits must not overflow
	big := Softmax([]float64{1000, 1001})
	assert.InDelta(t, 0.7311, big[1], 1e-4)
}
