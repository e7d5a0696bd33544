package detections

import (
	"os"
	"runtime"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
)

// DefaultLibraryPath is the onnxruntime shared library name for this OS,
// resolved through the platform's normal library search path.
func DefaultLibraryPath() string {
	switch runtime.GOOS {
	case "darwin":
		return "libonnxruntime.dylib"
	case "windows":
		return "onnxruntime.dll"
	default:
		return "libonnxruntime.so"
	}
}

func initEnvironment(libPath string) error {
	if ort.IsInitialized() {
		return nil
	}
	if libPath == "" {
		libPath = DefaultLibraryPath()
	} else if _, err := os.Stat(libPath); err != nil {
		return errors.Wrap(err, "onnxruntime library")
	}

	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return errors.Wrapf(err, "initialize onnxruntime from %s", libPath)
	}
	return nil
}

// DestroyEnvironment releases onnxruntime. Call it once, after every Detector
// has been closed.
func DestroyEnvironment() error {
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}
