package main

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/Tutortoise/object-detection-service/models"
)

// newLogger writes to stdout and, when LOG_FILE is set, to that file too.
// Call the returned func at exit to close the file.
func newLogger(cfg *Config) (*logrus.Logger, func(), error) {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log.SetOutput(os.Stdout)

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, errors.Wrap(err, "log level")
	}
	if cfg.Debug {
		level = logrus.DebugLevel
	}
	log.SetLevel(level)

	if cfg.LogFile == "" {
		return log, func() {}, nil
	}
	file, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, errors.Wrap(err, "open log file")
	}
	log.SetOutput(io.MultiWriter(os.Stdout, file))
	return log, func() { file.Close() }, nil
}

func logTimings(log *logrus.Entry, t *models.ProcessingTimings) {
	if !log.Logger.IsLevelEnabled(logrus.DebugLevel) {
		return
	}
	log.WithFields(logrus.Fields{
		"request_id":  t.RequestID,
		"read":        t.Read,
		"decode":      t.ImageDecode,
		"resize":      t.Resize,
		"preprocess":  t.Preprocess,
		"wait":        t.Wait,
		"inference":   t.Inference,
		"postprocess": t.Postprocess,
		"total":       t.Total,
	}).Debug("Processing times")
}
