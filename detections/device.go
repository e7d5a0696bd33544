package detections

import (
	"os"
	"runtime"
	"strings"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	ort "github.com/yalue/onnxruntime_go"
	"golang.org/x/sys/cpu"
)

// DeviceProbe is one compute backend. Available must only inspect the
// machine; Configure attaches the backend to a session being built.
type DeviceProbe struct {
	Name      string
	Available func() bool
	Configure func(*ort.SessionOptions) error
}

// DefaultProbes lists backends from most to least preferred.
func DefaultProbes() []DeviceProbe {
	return []DeviceProbe{
		{Name: "coreml", Available: hasCoreML, Configure: useCoreML},
		{Name: "cuda", Available: hasCUDA, Configure: useCUDA},
		{Name: "cpu", Available: func() bool { return true }, Configure: func(*ort.SessionOptions) error { return nil }},
	}
}

func hasCoreML() bool {
	return runtime.GOOS == "darwin" && runtime.GOARCH == "arm64"
}

func hasCUDA() bool {
	if os.Getenv("CUDA_VISIBLE_DEVICES") == "-1" {
		return false
	}
	for _, dev := range []string{"/dev/nvidiactl", "/dev/nvidia0"} {
		if _, err := os.Stat(dev); err == nil {
			return true
		}
	}
	return false
}

func useCoreML(options *ort.SessionOptions) error {
	return options.AppendExecutionProviderCoreML(0)
}

func useCUDA(options *ort.SessionOptions) error {
	cudaOptions, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return errors.Wrap(err, "create CUDA options")
	}
	defer cudaOptions.Destroy()

	if err := cudaOptions.Update(map[string]string{"device_id": "0"}); err != nil {
		return errors.Wrap(err, "set CUDA options")
	}
	return options.AppendExecutionProviderCUDA(cudaOptions)
}

// candidateProbes returns the probes to try in order. "auto" (or empty)
// keeps every available probe; any other name forces that single backend.
func candidateProbes(probes []DeviceProbe, want string) ([]DeviceProbe, error) {
	want = strings.ToLower(strings.TrimSpace(want))
	if want == "" || want == "auto" {
		available := lo.Filter(probes, func(p DeviceProbe, _ int) bool {
			return p.Available()
		})
		if len(available) == 0 {
			return nil, errors.New("no compute device available")
		}
		return available, nil
	}

	probe, ok := lo.Find(probes, func(p DeviceProbe) bool {
		return p.Name == want
	})
	if !ok {
		return nil, errors.Errorf("unknown device %q", want)
	}
	if !probe.Available() {
		return nil, errors.Errorf("device %q is not available on this machine", want)
	}
	return []DeviceProbe{probe}, nil
}

// CPUFeatures reports the vector extensions of the host, for the startup log.
func CPUFeatures() []string {
	features := []string{}
	switch runtime.GOARCH {
	case "amd64", "386":
		if cpu.X86.HasAVX512F {
			features = append(features, "avx512")
		}
		if cpu.X86.HasAVX2 {
			features = append(features, "avx2")
		}
		if cpu.X86.HasSSE41 {
			features = append(features, "sse4.1")
		}
	case "arm64":
		if cpu.ARM64.HasASIMD {
			features = append(features, "neon")
		}
		if cpu.ARM64.HasFPHP {
			features = append(features, "fp16")
		}
	}
	return features
}
