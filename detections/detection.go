// Package detections owns the object detection model: it picks a compute
// device, loads the ONNX graph into a pool of sessions and turns images into
// thresholded, overlap-suppressed detections.
package detections

import (
	"context"
	"image"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/Tutortoise/object-detection-service/models"
)

var ErrModelNotReady = errors.New("model is not loaded")

type Config struct {
	ModelPath      string
	LibraryPath    string
	LabelsPath     string
	Device         string
	PoolSize       int
	AcquireTimeout time.Duration
	InputSize      int
}

func (c Config) withDefaults() Config {
	if c.ModelPath == "" {
		c.ModelPath = DefaultModelPath
	}
	if c.PoolSize <= 0 {
		c.PoolSize = DefaultPoolSize
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = AcquireTimeout
	}
	if c.InputSize <= 0 {
		c.InputSize = DefaultInputSize
	}
	return c
}

// Detector is the single model instance of the process. Create it with
// NewDetector, call Load once at startup, and Close at shutdown. A Detector
// whose Load failed stays usable: IsLoaded reports false and Detect returns
// ErrModelNotReady.
type Detector struct {
	log    *logrus.Entry
	probes []DeviceProbe

	mu           sync.RWMutex
	pool         *SessionPool
	layout       ModelLayout
	labels       []string
	device       string
	preprocessor *Preprocessor

	loaded atomic.Bool
}

func NewDetector(log *logrus.Entry) *Detector {
	return &Detector{
		log:    log,
		probes: DefaultProbes(),
	}
}

// Load reads the model and builds its sessions on the first device, in
// priority order, that accepts them.
func (d *Detector) Load(cfg Config) error {
	if d.IsLoaded() {
		return errors.New("detector is already loaded")
	}
	cfg = cfg.withDefaults()

	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return errors.Wrap(err, "model file")
	}
	if err := initEnvironment(cfg.LibraryPath); err != nil {
		return err
	}

	layout, err := readLayout(cfg.ModelPath, cfg.InputSize)
	if err != nil {
		return err
	}
	labels, source, err := resolveLabels(cfg.LabelsPath, cfg.ModelPath)
	if err != nil {
		return err
	}
	if len(labels) != layout.NumClasses() {
		d.log.Warnf("Model has %d classes but %d labels were loaded from %s", layout.NumClasses(), len(labels), source)
	}

	probes, err := candidateProbes(d.probes, cfg.Device)
	if err != nil {
		return err
	}

	threads := max(1, runtime.NumCPU()/cfg.PoolSize)
	sessionsOn := func(probe DeviceProbe) SessionFactory {
		return func() (Session, error) {
			return newModelSession(cfg.ModelPath, layout, probe, threads)
		}
	}
	device, err := d.startOnFirstDevice(probes, layout, labels, sessionsOn, cfg.PoolSize, cfg.AcquireTimeout)
	if err != nil {
		return err
	}

	d.log.WithFields(logrus.Fields{
		"model":        cfg.ModelPath,
		"device":       device,
		"cpu_features": strings.Join(CPUFeatures(), ","),
		"input":        []int{layout.InputWidth, layout.InputHeight},
		"queries":      layout.Queries,
		"classes":      layout.NumClasses(),
		"labels":       source,
		"sessions":     cfg.PoolSize,
	}).Info("Model loaded")
	return nil
}

// startOnFirstDevice tries the probes in order and keeps the first device on
// which the whole session pool builds. A device whose sessions fail is logged
// and skipped.
func (d *Detector) startOnFirstDevice(probes []DeviceProbe, layout ModelLayout, labels []string,
	sessionsOn func(DeviceProbe) SessionFactory, poolSize int, acquireTimeout time.Duration) (string, error) {
	var lastErr error
	for _, probe := range probes {
		if err := d.start(layout, labels, probe.Name, sessionsOn(probe), poolSize, acquireTimeout); err != nil {
			d.log.WithError(err).Warnf("Device %s rejected the model", probe.Name)
			lastErr = err
			continue
		}
		return probe.Name, nil
	}
	if lastErr == nil {
		return "", errors.New("no device could load the model: no candidate devices")
	}
	return "", errors.Wrap(lastErr, "no device could load the model")
}

func (d *Detector) start(layout ModelLayout, labels []string, device string, factory SessionFactory, poolSize int, acquireTimeout time.Duration) error {
	pool, err := NewSessionPool(d.log, factory, poolSize, acquireTimeout)
	if err != nil {
		return err
	}
	pool.StartHealthCheck(HealthCheckPeriod)

	d.mu.Lock()
	d.pool = pool
	d.layout = layout
	d.labels = labels
	d.device = device
	d.preprocessor = NewPreprocessor(layout.InputWidth, layout.InputHeight)
	d.mu.Unlock()

	d.loaded.Store(true)
	return nil
}

func (d *Detector) IsLoaded() bool {
	return d.loaded.Load()
}

// Device is the compute device the model runs on, or "" when not loaded.
func (d *Detector) Device() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.device
}

func (d *Detector) Labels() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.labels...)
}

func (d *Detector) Stats() (PoolStats, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.pool == nil {
		return PoolStats{}, false
	}
	return d.pool.Stats(), true
}

// Detect runs the model on img. Boxes are in img's pixel space, in the order
// the model produced them.
func (d *Detector) Detect(ctx context.Context, img image.Image, timings *models.ProcessingTimings) ([]models.Detection, error) {
	if !d.IsLoaded() {
		return nil, ErrModelNotReady
	}
	if timings == nil {
		timings = &models.ProcessingTimings{}
	}

	d.mu.RLock()
	pool, layout, labels, pre := d.pool, d.layout, d.labels, d.preprocessor
	d.mu.RUnlock()
	if pool == nil {
		return nil, ErrModelNotReady
	}

	bounds := img.Bounds()
	input := pre.Process(img, timings)
	defer pre.Recycle(input)

	waitStart := time.Now()
	session, err := pool.Acquire(ctx)
	timings.Wait = time.Since(waitStart)
	if errors.Is(err, ErrPoolClosed) {
		return nil, ErrModelNotReady
	} else if err != nil {
		return nil, err
	}

	inferStart := time.Now()
	output, err := session.Run(input)
	timings.Inference = time.Since(inferStart)
	if err != nil {
		pool.Discard(session, err)
		return nil, errors.Wrap(err, "run inference")
	}
	pool.Release(session)

	postStart := time.Now()
	candidates, err := decodePredictions(output, layout, bounds.Dx(), bounds.Dy(), ConfThreshold)
	if err != nil {
		return nil, errors.Wrap(err, "process predictions")
	}
	candidates = suppressOverlaps(candidates, IouThreshold)
	detections := toDetections(candidates, labels)
	timings.Postprocess = time.Since(postStart)

	return detections, nil
}

// Close releases every session. The Detector reports not loaded afterwards
// and may be loaded again.
func (d *Detector) Close() {
	d.loaded.Store(false)

	d.mu.Lock()
	pool := d.pool
	d.pool = nil
	d.device = ""
	d.mu.Unlock()

	if pool != nil {
		pool.Destroy()
	}
}
