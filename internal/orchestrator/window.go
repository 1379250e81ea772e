package orchestrator

// window maps a stage's own 0..100 progress onto a slice of the overall range
type window struct {
	start float64
	size  float64
}

var (
	fullWindow = window{start: 0, size: 100}

	// Full sync windows: stage 1 [0,33], stage 2 [33,66], stage 3 [66,100]
	fullSyncWindows = [3]window{
		{start: 0, size: 33},
		{start: 33, size: 33},
		{start: 66, size: 34},
	}
)

func (w window) mapPercent(stagePercent float64) float64 {
	if stagePercent < 0 {
		stagePercent = 0
	}
	if stagePercent > 100 {
		stagePercent = 100
	}
	return w.start + (stagePercent/100)*w.size
}
