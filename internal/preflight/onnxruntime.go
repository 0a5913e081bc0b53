//go:build darwin || linux

package preflight

import (
	"fmt"
	"os"

	"github.com/ebitengine/purego"
)

// defaultOrtLibNames are the shared-library names probed when no explicit
// path is configured, in search order for the current platform.
var defaultOrtLibNames = []string{
	"libonnxruntime.so",
	"libonnxruntime.dylib",
	"onnxruntime.so",
}

// CheckONNXRuntime verifies that the onnxruntime shared library can be
// loaded, so a worker-pool index run fails here with a clear message
// instead of inside a freshly-spawned worker. Non-critical: the legacy
// embedder backends need no native runtime.
func (c *Checker) CheckONNXRuntime() CheckResult {
	result := CheckResult{
		Name:     "onnx_runtime",
		Required: false,
	}

	candidates := defaultOrtLibNames
	if c.ortLibPath != "" {
		if _, err := os.Stat(c.ortLibPath); err != nil {
			result.Status = StatusWarn
			result.Message = fmt.Sprintf("configured onnxruntime library not found: %v", err)
			result.Details = fmt.Sprintf("worker_pool.ort_lib_path: %s", c.ortLibPath)
			return result
		}
		candidates = []string{c.ortLibPath}
	}

	var lastErr error
	for _, name := range candidates {
		lib, err := purego.Dlopen(name, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			lastErr = err
			continue
		}
		_ = purego.Dlclose(lib)
		result.Status = StatusPass
		result.Message = fmt.Sprintf("onnxruntime loadable (%s)", name)
		return result
	}

	result.Status = StatusWarn
	result.Message = "onnxruntime library not loadable (needed only for the onnx worker-pool backend)"
	if lastErr != nil {
		result.Details = lastErr.Error()
	}
	return result
}
