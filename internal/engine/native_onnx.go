//go:build onnx

package engine

// NativeAvailable reports that the ONNX Runtime model is compiled in.
func NativeAvailable() bool { return true }

// NewNativeModel loads the acoustic model described by opts.
func NewNativeModel(opts ONNXOptions) (Model, error) {
	return NewONNXModel(opts)
}
