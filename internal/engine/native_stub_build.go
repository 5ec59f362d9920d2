//go:build !onnx

package engine

import "errors"

// ErrNativeUnavailable indicates the ONNX Runtime model is not compiled in.
var ErrNativeUnavailable = errors.New("engine: onnx backend not available (build without -tags onnx)")

// NativeAvailable reports that no native model is compiled in.
func NativeAvailable() bool { return false }

// NewNativeModel returns an error when built without the onnx tag.
func NewNativeModel(_ ONNXOptions) (Model, error) {
	return nil, ErrNativeUnavailable
}
