package detections

import "time"

const (
	DefaultInputSize = 640

	// ConfThreshold and IouThreshold are service policy, not request options.
	ConfThreshold = 0.60
	IouThreshold  = 0.70

	// Decimal places kept for confidences and box coordinates
	Precision = 3

	DefaultPoolSize   = 2
	AcquireTimeout    = 5 * time.Second
	HealthCheckPeriod = 60 * time.Second

	DefaultModelPath = "rtdetr-l.onnx"
)
