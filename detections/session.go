package detections

import (
	"runtime"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
)

// Session runs the model once. Implementations own their tensors, so a
// Session must not be used by two goroutines at the same time.
type Session interface {
	Run(input []float32) ([]float32, error)
	Destroy()
}

type SessionFactory func() (Session, error)

// ModelLayout describes the tensors of an exported RT-DETR graph: one
// NCHW image input and one [1, queries, 4+classes] output.
type ModelLayout struct {
	InputName   string
	OutputName  string
	InputWidth  int
	InputHeight int
	Queries     int
	Attributes  int
}

func (l ModelLayout) NumClasses() int {
	return l.Attributes - 4
}

func (l ModelLayout) inputLen() int {
	return 3 * l.InputWidth * l.InputHeight
}

func (l ModelLayout) outputLen() int {
	return l.Queries * l.Attributes
}

// readLayout inspects the model file. Dynamic input dimensions fall back to
// inputSize.
func readLayout(modelPath string, inputSize int) (ModelLayout, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return ModelLayout{}, errors.Wrap(err, "read model inputs and outputs")
	}
	if len(inputs) != 1 || len(outputs) == 0 {
		return ModelLayout{}, errors.Errorf("expected 1 input and at least 1 output, model has %d and %d", len(inputs), len(outputs))
	}

	layout := ModelLayout{
		InputName:   inputs[0].Name,
		OutputName:  outputs[0].Name,
		InputWidth:  inputSize,
		InputHeight: inputSize,
	}
	if dims := inputs[0].Dimensions; len(dims) == 4 {
		if dims[1] > 0 && dims[1] != 3 {
			return ModelLayout{}, errors.Errorf("input %s has %d channels, expected 3", layout.InputName, dims[1])
		}
		if dims[2] > 0 {
			layout.InputHeight = int(dims[2])
		}
		if dims[3] > 0 {
			layout.InputWidth = int(dims[3])
		}
	}

	dims := outputs[0].Dimensions
	if len(dims) != 3 || dims[1] <= 0 || dims[2] <= 4 {
		return ModelLayout{}, errors.Errorf("unexpected output shape %v for %s", dims, layout.OutputName)
	}
	layout.Queries = int(dims[1])
	layout.Attributes = int(dims[2])
	return layout, nil
}

type ModelSession struct {
	Session *ort.AdvancedSession
	Input   *ort.Tensor[float32]
	Output  *ort.Tensor[float32]
}

func newModelSession(modelPath string, layout ModelLayout, device DeviceProbe, threads int) (*ModelSession, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errors.Wrap(err, "create session options")
	}
	defer options.Destroy()

	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	options.SetIntraOpNumThreads(threads)
	options.SetInterOpNumThreads(1)

	if err := device.Configure(options); err != nil {
		return nil, errors.Wrapf(err, "configure %s", device.Name)
	}

	inputShape := ort.NewShape(1, 3, int64(layout.InputHeight), int64(layout.InputWidth))
	outputShape := ort.NewShape(1, int64(layout.Queries), int64(layout.Attributes))

	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, errors.Wrap(err, "create input tensor")
	}

	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, errors.Wrap(err, "create output tensor")
	}

	session, err := ort.NewAdvancedSession(
		modelPath,
		[]string{layout.InputName},
		[]string{layout.OutputName},
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
		options,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, errors.Wrapf(err, "create session on %s", device.Name)
	}

	return &ModelSession{
		Session: session,
		Input:   inputTensor,
		Output:  outputTensor,
	}, nil
}

// Run copies input into the session tensor and returns a copy of the output,
// so the caller may keep it after the session goes back to the pool.
func (m *ModelSession) Run(input []float32) ([]float32, error) {
	dst := m.Input.GetData()
	if len(input) != len(dst) {
		return nil, errors.Errorf("input has %d values, model expects %d", len(input), len(dst))
	}
	copy(dst, input)

	if err := m.Session.Run(); err != nil {
		return nil, errors.Wrap(err, "model inference")
	}

	out := m.Output.GetData()
	result := make([]float32, len(out))
	copy(result, out)
	return result, nil
}

func (m *ModelSession) Destroy() {
	if m.Session != nil {
		m.Session.Destroy()
	}
	if m.Input != nil {
		m.Input.Destroy()
	}
	if m.Output != nil {
		m.Output.Destroy()
	}
}
