package detections

import (
	"image"
	"runtime"
	"sync"
	"time"

	"github.com/Tutortoise/object-detection-service/models"
	"github.com/disintegration/imaging"
)

// Preprocessor turns an image into the planar RGB float tensor the model
// reads: stretched to the input size, values scaled to [0, 1].
type Preprocessor struct {
	width, height int
	numWorkers    int
	bufferPool    *sync.Pool
}

func NewPreprocessor(width, height int) *Preprocessor {
	return &Preprocessor{
		width:      width,
		height:     height,
		numWorkers: min(runtime.GOMAXPROCS(0), height),
		bufferPool: &sync.Pool{
			New: func() interface{} {
				buf := make([]float32, width*height*3)
				return &buf
			},
		},
	}
}

type nrgbaSource interface {
	NRGBA() *image.NRGBA
}

// Process returns a pooled buffer; hand it back with Recycle once the model
// has consumed it.
func (p *Preprocessor) Process(img image.Image, timings *models.ProcessingTimings) []float32 {
	resizeStart := time.Now()
	if src, ok := img.(nrgbaSource); ok {
		img = src.NRGBA()
	}
	resized := imaging.Resize(img, p.width, p.height, imaging.Linear)
	timings.Resize = time.Since(resizeStart)

	prepStart := time.Now()
	buffer := *p.bufferPool.Get().(*[]float32)
	p.processParallel(resized, buffer)
	timings.Preprocess = time.Since(prepStart)
	return buffer
}

func (p *Preprocessor) Recycle(buffer []float32) {
	if len(buffer) == p.width*p.height*3 {
		p.bufferPool.Put(&buffer)
	}
}

func (p *Preprocessor) processParallel(img *image.NRGBA, buffer []float32) {
	channelSize := p.width * p.height
	rowsPerWorker := p.height / p.numWorkers

	var wg sync.WaitGroup
	wg.Add(p.numWorkers)

	for w := 0; w < p.numWorkers; w++ {
		startRow := w * rowsPerWorker
		endRow := (w + 1) * rowsPerWorker
		if w == p.numWorkers-1 {
			endRow = p.height
		}

		go func(start, end int) {
			defer wg.Done()
			for y := start; y < end; y++ {
				src := img.Pix[y*img.Stride : y*img.Stride+p.width*4]
				offset := y * p.width
				for x := 0; x < p.width; x++ {
					i := offset + x
					buffer[i] = float32(src[x*4]) / 255.0
					buffer[channelSize+i] = float32(src[x*4+1]) / 255.0
					buffer[channelSize*2+i] = float32(src[x*4+2]) / 255.0
				}
			}
		}(startRow, endRow)
	}

	wg.Wait()
}
