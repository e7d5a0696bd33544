package main

import (
	"context"
	"image"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Tutortoise/object-detection-service/detections"
	"github.com/Tutortoise/object-detection-service/images"
	"github.com/Tutortoise/object-detection-service/models"
)

// Detector is the part of *detections.Detector the request path needs.
type Detector interface {
	IsLoaded() bool
	Detect(ctx context.Context, img image.Image, timings *models.ProcessingTimings) ([]models.Detection, error)
}

// ModelService adds the status the health and metrics endpoints report.
type ModelService interface {
	Detector
	Device() string
	Stats() (detections.PoolStats, bool)
}

// Payload produces the size checked upload bytes. It is only called once the
// model is known to be ready, so a request against an unloaded model never
// has its body read.
type Payload func() ([]byte, error)

type Pipeline struct {
	detector Detector
	log      *logrus.Entry
}

func NewPipeline(detector Detector, log *logrus.Entry) *Pipeline {
	return &Pipeline{detector: detector, log: log}
}

// Run stops at the first failing stage: readiness, intake, decode, detect.
func (p *Pipeline) Run(ctx context.Context, payload Payload, timings *models.ProcessingTimings) (models.DetectionResponse, error) {
	if !p.detector.IsLoaded() {
		return models.DetectionResponse{}, detections.ErrModelNotReady
	}

	readStart := time.Now()
	data, err := payload()
	timings.Read = time.Since(readStart)
	if err != nil {
		return models.DetectionResponse{}, err
	}

	decodeStart := time.Now()
	img, err := images.Decode(data)
	timings.ImageDecode = time.Since(decodeStart)
	if err != nil {
		return models.DetectionResponse{}, err
	}

	dets, err := p.detector.Detect(ctx, img, timings)
	if err != nil {
		return models.DetectionResponse{}, err
	}

	p.log.WithFields(logrus.Fields{
		"request_id": timings.RequestID,
		"width":      img.Width,
		"height":     img.Height,
		"detections": len(dets),
	}).Debug("Detection finished")

	return models.Aggregate(dets), nil
}
