package classifier

import (
	"fmt"
	"image"

	"golang.org/x/image/draw"
)

// Clip is a T×C×H×W float32 tensor in row-major order
type Clip struct {
	Shape [4]int
	Data  []float32
	// Indices are the buffer positions the clip frames were sampled from
	Indices []int
}

// Frames returns T
func (c *Clip) Frames() int {
	return c.Shape[0]
}

// Plane returns the C×H×W slice of frame t
func (c *Clip) Plane(t int) []float32 {
	size := c.Shape[1] * c.Shape[2] * c.Shape[3]
	return c.Data[t*size : (t+1)*size]
}

// Preprocess resizes img to the model input size with bilinear filtering,
// scales RGB to [0,1] and normalizes it with the model's mean and std.
// The result is one C×H×W plane.
func (m *Model) Preprocess(img image.Image) []float32 {
	h, w := m.InputHeight, m.InputWidth
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)

	plane := make([]float32, 3*h*w)
	area := h * w
	for y := 0; y < h; y++ {
		row := dst.Pix[y*dst.Stride:]
		for x := 0; x < w; x++ {
			px := row[x*4:]
			i := y*w + x
			for c := 0; c < 3; c++ {
				v := float32(px[c]) / 255
				plane[c*area+i] = (v - m.Mean[c]) / m.Std[c]
			}
		}
	}
	return plane
}

// NewClip stacks preprocessed planes into a clip tensor
func (m *Model) NewClip(planes [][]float32, indices []int) (*Clip, error) {
	if len(planes) != m.NumFrames {
		return nil, fmt.Errorf("%w: clip has %d frames, model expects %d", ErrShapeMismatch, len(planes), m.NumFrames)
	}
	size := 3 * m.InputHeight * m.InputWidth
	data := make([]float32, 0, len(planes)*size)
	for i, p := range planes {
		if len(p) != size {
			return nil, fmt.Errorf("%w: frame %d has %d values, expected %d", ErrShapeMismatch, i, len(p), size)
		}
		data = append(data, p...)
	}
	return &Clip{
		Shape:   [4]int{len(planes), 3, m.InputHeight, m.InputWidth},
		Data:    data,
		Indices: indices,
	}, nil
}
