package main

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

//go:embed config.default.yaml
var defaultConfig []byte

// runtimeLibraryName is the onnxruntime shared library file name for this platform.
func runtimeLibraryName() string {
	switch runtime.GOOS {
	case "darwin":
		return "libonnxruntime.dylib"
	case "windows":
		return "onnxruntime.dll"
	default:
		return "libonnxruntime.so"
	}
}

// resolveRuntimeLibrary validates a configured library path. When none is configured it
// looks next to the executable, then falls back to the bare name so the system loader
// searches its default paths.
func resolveRuntimeLibrary(configured string) (string, error) {
	if configured != "" {
		if _, err := os.Stat(configured); err != nil {
			return "", fmt.Errorf("onnxruntime library not found: %s", configured)
		}
		return filepath.Abs(configured)
	}

	libName := runtimeLibraryName()
	if exe, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(exe), "lib", libName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return libName, nil
}
