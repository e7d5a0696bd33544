package detections

import (
	"bufio"
	_ "embed"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"gopkg.in/yaml.v3"
)

//go:embed coco.names
var cocoNames string

// COCOLabels returns the 80 class names RT-DETR checkpoints are trained on.
func COCOLabels() []string {
	labels, _ := readLabels(strings.NewReader(cocoNames))
	return labels
}

// LoadLabelFile reads one class name per line, skipping blank lines.
func LoadLabelFile(filename string) ([]string, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readLabels(f)
}

func readLabels(r io.Reader) ([]string, error) {
	labels := []string{}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			labels = append(labels, line)
		}
	}
	return labels, scanner.Err()
}

// maxNamesID bounds the label slice built from model metadata.
const maxNamesID = 1 << 16

// parseNamesMetadata parses the "names" entry exporters write into the model
// metadata, eg "{0: 'person', 1: 'bicycle'}". The value is a Python dict
// literal, which for string names is also a YAML flow mapping. Missing ids
// become "class_N".
func parseNamesMetadata(value string) ([]string, error) {
	byID := map[int]string{}
	if err := yaml.Unmarshal([]byte(value), &byID); err != nil {
		return nil, errors.Wrapf(err, "parse class names %q", value)
	}
	if len(byID) == 0 {
		return nil, errors.Errorf("no class names in %q", value)
	}
	maxID := -1
	for id := range byID {
		if id < 0 || id >= maxNamesID {
			return nil, errors.Errorf("class id %d out of range", id)
		}
		maxID = max(maxID, id)
	}
	labels := make([]string, maxID+1)
	for i := range labels {
		if name, ok := byID[i]; ok {
			labels[i] = name
		} else {
			labels[i] = fallbackLabel(i)
		}
	}
	return labels, nil
}

func modelLabels(modelPath string) ([]string, error) {
	meta, err := ort.GetModelMetadata(modelPath)
	if err != nil {
		return nil, err
	}
	defer meta.Destroy()

	value, ok, err := meta.LookupCustomMetadataMap("names")
	if err != nil || !ok {
		return nil, err
	}
	return parseNamesMetadata(value)
}

// resolveLabels picks class names from, in order, an explicit labels file,
// the model metadata, and the built-in COCO list.
func resolveLabels(labelsPath, modelPath string) ([]string, string, error) {
	if labelsPath != "" {
		labels, err := LoadLabelFile(labelsPath)
		if err != nil {
			return nil, "", errors.Wrap(err, "load labels file")
		}
		return labels, labelsPath, nil
	}
	if labels, err := modelLabels(modelPath); err == nil && len(labels) > 0 {
		return labels, "model metadata", nil
	}
	return COCOLabels(), "built-in COCO", nil
}

func fallbackLabel(classID int) string {
	return fmt.Sprintf("class_%d", classID)
}

func labelFor(labels []string, classID int) string {
	if classID >= 0 && classID < len(labels) {
		return labels[classID]
	}
	return fallbackLabel(classID)
}
