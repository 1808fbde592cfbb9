package xlog

import (
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// LayerProgress renders one mpb bar tracking layer application, shown
// only at -v0 (where logging itself is quiet). The bar is created lazily
// by Start, once the total layer count is known.
type LayerProgress struct {
	p   *mpb.Progress
	bar *mpb.Bar
}

// NewLayerProgress creates the progress container; no bar exists until Start.
func NewLayerProgress() *LayerProgress {
	return &LayerProgress{p: mpb.New(mpb.WithWidth(60))}
}

// Start adds the bar, sized to total.
func (lp *LayerProgress) Start(total int) {
	lp.bar = lp.p.AddBar(int64(total),
		mpb.PrependDecorators(decor.Name("layers")),
		mpb.AppendDecorators(decor.CountersNoUnit("%d / %d")),
	)
}

// Step advances the bar by one.
func (lp *LayerProgress) Step(index, total int, command string) {
	if lp.bar != nil {
		lp.bar.Increment()
	}
}

// Wait blocks until the bar has finished rendering its final frame.
func (lp *LayerProgress) Wait() {
	lp.p.Wait()
}
