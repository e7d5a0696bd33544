package models

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/samber/lo"
)

// ClassCounts is a label histogram that remembers the order in which labels
// were first seen, so that responses serialise deterministically.
type ClassCounts struct {
	order  []string
	counts map[string]int
}

func NewClassCounts(labels []string) ClassCounts {
	return ClassCounts{
		order:  lo.Uniq(labels),
		counts: lo.CountValues(labels),
	}
}

// Get returns the number of occurrences of label, zero if it was never seen.
func (c ClassCounts) Get(label string) int {
	return c.counts[label]
}

func (c ClassCounts) Labels() []string {
	return append([]string(nil), c.order...)
}

func (c ClassCounts) Len() int {
	return len(c.order)
}

func (c ClassCounts) Total() int {
	return lo.Sum(lo.Values(c.counts))
}

func (c ClassCounts) Map() map[string]int {
	return lo.Assign(c.counts)
}

func (c ClassCounts) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, label := range c.order {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(label)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		fmt.Fprintf(&buf, ":%d", c.counts[label])
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (c *ClassCounts) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	if tok, err := dec.Token(); err != nil {
		return err
	} else if tok != json.Delim('{') {
		return fmt.Errorf("class_counts: expected object, got %v", tok)
	}
	c.order = nil
	c.counts = map[string]int{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		label, _ := tok.(string)
		var n int
		if err := dec.Decode(&n); err != nil {
			return err
		}
		if _, seen := c.counts[label]; !seen {
			c.order = append(c.order, label)
		}
		c.counts[label] = n
	}
	_, err := dec.Token()
	return err
}

// Aggregate shapes raw detections into the public response. Detections are
// passed through unchanged and in the order given.
func Aggregate(dets []Detection) DetectionResponse {
	objects := lo.Map(dets, func(d Detection, _ int) DetectedObject {
		return DetectedObject{
			ClassName:   d.ClassName,
			Confidence:  d.Confidence,
			BoundingBox: d.Box,
		}
	})
	labels := lo.Map(dets, func(d Detection, _ int) string {
		return d.ClassName
	})
	return DetectionResponse{
		Success: true,
		Summary: DetectionSummary{
			TotalDetections: len(dets),
			ClassCounts:     NewClassCounts(labels),
		},
		Detections: objects,
	}
}
