package detection

// smoother applies majority-vote smoothing over the last N predictions.
// The smoothed confidence is the mean confidence of the winning class;
// ties go to the lowest class index.
type smoother struct {
	window *FrameBuffer[vote]
}

type vote struct {
	index      int
	confidence float64
}

func newSmoother(size int) *smoother {
	if size <= 0 {
		return nil
	}
	return &smoother{window: NewFrameBuffer[vote](size)}
}

func (s *smoother) add(index int, confidence float64) (int, float64) {
	s.window.Push(vote{index: index, confidence: confidence})

	counts := make(map[int]int)
	sums := make(map[int]float64)
	for i := 0; i < s.window.Len(); i++ {
		v := s.window.At(i)
		counts[v.index]++
		sums[v.index] += v.confidence
	}

	best := -1
	for idx, n := range counts {
		if best < 0 || n > counts[best] || (n == counts[best] && idx < best) {
			best = idx
		}
	}
	return best, sums[best] / float64(counts[best])
}
