package detections

import (
	"math"
	"sort"

	flatbush "github.com/bmharper/flatbush-go"
	"github.com/chewxy/math32"
	"github.com/pkg/errors"

	"github.com/Tutortoise/object-detection-service/models"
)

// candidate is one query that passed the score threshold. Box is x1,y1,x2,y2
// in source image pixels.
type candidate struct {
	query int
	class int
	score float32
	box   [4]float32
}

// decodePredictions reads a [queries, 4+classes] output whose boxes are
// normalised cx,cy,w,h and whose scores are already sigmoid activated.
// Candidates keep query order.
func decodePredictions(output []float32, layout ModelLayout, srcWidth, srcHeight int, threshold float32) ([]candidate, error) {
	if len(output) != layout.outputLen() {
		return nil, errors.Errorf("unexpected predictions length: got %d, want %d", len(output), layout.outputLen())
	}

	fw := float32(srcWidth)
	fh := float32(srcHeight)
	candidates := make([]candidate, 0, 32)

	for q := 0; q < layout.Queries; q++ {
		row := output[q*layout.Attributes : (q+1)*layout.Attributes]

		class, score := 0, row[4]
		for c, s := range row[5:] {
			if s > score {
				class, score = c+1, s
			}
		}
		if score < threshold {
			continue
		}

		cx, cy, w, h := row[0], row[1], row[2], row[3]
		x1 := clamp((cx-w/2)*fw, 0, fw)
		y1 := clamp((cy-h/2)*fh, 0, fh)
		x2 := clamp((cx+w/2)*fw, 0, fw)
		y2 := clamp((cy+h/2)*fh, 0, fh)
		candidates = append(candidates, candidate{
			query: q,
			class: class,
			score: score,
			box:   [4]float32{math32.Min(x1, x2), math32.Min(y1, y2), math32.Max(x1, x2), math32.Max(y1, y2)},
		})
	}
	return candidates, nil
}

func clamp(v, lo, hi float32) float32 {
	return math32.Max(lo, math32.Min(hi, v))
}

func iou(a, b [4]float32) float32 {
	iw := math32.Min(a[2], b[2]) - math32.Max(a[0], b[0])
	ih := math32.Min(a[3], b[3]) - math32.Max(a[1], b[1])
	if iw <= 0 || ih <= 0 {
		return 0
	}
	inter := iw * ih
	union := (a[2]-a[0])*(a[3]-a[1]) + (b[2]-b[0])*(b[3]-b[1]) - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// suppressOverlaps drops any candidate whose IoU with a higher scoring
// candidate of the same class exceeds threshold. Survivors keep their order.
func suppressOverlaps(candidates []candidate, threshold float32) []candidate {
	if len(candidates) < 2 {
		return candidates
	}

	// Spatial index to avoid comparing every pair. Boxes are widened to whole
	// pixels so that the integer index never misses a touching neighbour.
	fb := flatbush.NewFlatbush[int32]()
	fb.Reserve(len(candidates))
	for _, c := range candidates {
		fb.Add(floor32(c.box[0]), floor32(c.box[1]), ceil32(c.box[2]), ceil32(c.box[3]))
	}
	fb.Finish()

	rank := make([]int, len(candidates))
	for i := range rank {
		rank[i] = i
	}
	sort.SliceStable(rank, func(a, b int) bool {
		return candidates[rank[a]].score > candidates[rank[b]].score
	})
	position := make([]int, len(candidates))
	for pos, i := range rank {
		position[i] = pos
	}

	suppressed := make([]bool, len(candidates))
	for _, i := range rank {
		if suppressed[i] {
			continue
		}
		c := candidates[i]
		for _, j := range fb.Search(floor32(c.box[0]), floor32(c.box[1]), ceil32(c.box[2]), ceil32(c.box[3])) {
			if j == i || suppressed[j] || position[j] < position[i] {
				continue
			}
			if candidates[j].class != c.class {
				continue
			}
			if iou(c.box, candidates[j].box) > threshold {
				suppressed[j] = true
			}
		}
	}

	kept := make([]candidate, 0, len(candidates))
	for i, c := range candidates {
		if !suppressed[i] {
			kept = append(kept, c)
		}
	}
	return kept
}

func floor32(v float32) int32 {
	return int32(math32.Floor(v))
}

func ceil32(v float32) int32 {
	return int32(math32.Ceil(v))
}

func round(v float32) float64 {
	scale := math.Pow10(Precision)
	return math.Round(float64(v)*scale) / scale
}

func toDetections(candidates []candidate, labels []string) []models.Detection {
	dets := make([]models.Detection, 0, len(candidates))
	for _, c := range candidates {
		dets = append(dets, models.Detection{
			ClassID:    c.class,
			ClassName:  labelFor(labels, c.class),
			Confidence: round(c.score),
			Box: models.BoundingBox{
				X1: round(c.box[0]),
				Y1: round(c.box[1]),
				X2: round(c.box[2]),
				Y2: round(c.box[3]),
			},
		})
	}
	return dets
}
