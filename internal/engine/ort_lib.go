//go:build onnx

package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

const (
	envORTLibPath = "NUPI_ORT_LIB_PATH"
	envDevMode    = "NUPI_DEV_MODE"
)

// resolveORTLibPath locates the ONNX Runtime shared library. NUPI_ORT_LIB_PATH
// wins when set. Otherwise lib/<os>-<arch>/ is tried next to the executable
// and one level up from it. The working directory is only searched when
// NUPI_DEV_MODE=1.
func resolveORTLibPath() (string, error) {
	if p := os.Getenv(envORTLibPath); p != "" {
		return checkLibFile(p)
	}

	name := ortLibFilename()
	rels := ortSearchPaths(name)

	var dirs []string
	if exe, err := os.Executable(); err == nil {
		dirs = append(dirs, filepath.Dir(exe))
	}
	if os.Getenv(envDevMode) == "1" {
		if wd, err := os.Getwd(); err == nil {
			dirs = append(dirs, wd)
		}
	}
	for _, dir := range dirs {
		for _, rel := range rels {
			p := filepath.Join(dir, rel)
			if info, err := os.Stat(p); err == nil && !info.IsDir() {
				return p, nil
			}
		}
	}

	return "", fmt.Errorf("ort: %s not found under lib/%s-%s (set %s, or %s=1 to search the working directory)",
		name, runtime.GOOS, runtime.GOARCH, envORTLibPath, envDevMode)
}

func checkLibFile(p string) (string, error) {
	info, err := os.Stat(p)
	if err != nil {
		return "", fmt.Errorf("ort: %s=%q does not exist", envORTLibPath, p)
	}
	if info.IsDir() {
		return "", fmt.Errorf("ort: %s=%q is a directory, expected a file", envORTLibPath, p)
	}
	return p, nil
}

func ortSearchPaths(name string) []string {
	platform := runtime.GOOS + "-" + runtime.GOARCH
	return []string{
		filepath.Join("lib", platform, name),
		filepath.Join("..", "lib", platform, name),
	}
}

func ortLibFilename() string {
	switch runtime.GOOS {
	case "darwin":
		return "libonnxruntime.dylib"
	case "windows":
		return "onnxruntime.dll"
	default:
		return "libonnxruntime.so"
	}
}
