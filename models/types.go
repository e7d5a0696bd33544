package models

import "time"

type BoundingBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Detection is one object reported by the detector, before it is shaped into
// the public response.
type Detection struct {
	ClassID    int
	ClassName  string
	Confidence float64
	Box        BoundingBox
}

type DetectedObject struct {
	ClassName   string      `json:"class_name"`
	Confidence  float64     `json:"confidence"`
	BoundingBox BoundingBox `json:"bounding_box"`
}

type DetectionSummary struct {
	TotalDetections int         `json:"total_detections"`
	ClassCounts     ClassCounts `json:"class_counts"`
}

type DetectionResponse struct {
	Success    bool             `json:"success"`
	Summary    DetectionSummary `json:"summary"`
	Detections []DetectedObject `json:"detections"`
}

type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code"`
}

type HealthResponse struct {
	Status      string `json:"status"`
	ModelLoaded bool   `json:"model_loaded"`
	Device      string `json:"device"`
}

type InfoResponse struct {
	Message     string `json:"message"`
	DocsURL     string `json:"docs_url"`
	HealthCheck string `json:"health_check"`
}

type ProcessingTimings struct {
	RequestID   string
	Read        time.Duration
	ImageDecode time.Duration
	Resize      time.Duration
	Preprocess  time.Duration
	Wait        time.Duration
	Inference   time.Duration
	Postprocess time.Duration
	Total       time.Duration
}
