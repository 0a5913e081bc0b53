// Command semcode-worker is the out-of-process embedding worker spawned by
// internal/embedpool.Pool. It owns the two ONNX sessions (dense encoder +
// late-interaction encoder) and speaks the length-prefixed envelope
// protocol over stdin/stdout. Only this process, never the driver, loads
// model weights.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/coderift/semcode/internal/embedpool"
)

func main() {
	var cfg embedpool.ONNXConfig
	flag.StringVar(&cfg.DenseModelDir, "dense-model", "", "directory containing the dense encoder's model.onnx + tokenizer.json")
	flag.StringVar(&cfg.LateModelDir, "late-model", "", "directory containing the late-interaction encoder's model.onnx + tokenizer.json")
	flag.StringVar(&cfg.OrtLibPath, "ort-lib", "", "path to the onnxruntime shared library")
	flag.IntVar(&cfg.NumThreads, "threads", 0, "ONNX intra-op thread count (0 = runtime default)")
	flag.IntVar(&cfg.DenseDim, "dense-dim", 384, "dense encoder output width (D_dense)")
	flag.IntVar(&cfg.LateDim, "late-dim", 48, "late-interaction encoder output width (D_late)")
	flag.IntVar(&cfg.BatchSize, "batch-size", 16, "embedding batch size")
	flag.Parse()

	if cfg.DenseModelDir == "" || cfg.LateModelDir == "" {
		fmt.Fprintln(os.Stderr, "semcode-worker: --dense-model and --late-model are required")
		os.Exit(1)
	}

	pipeline, err := embedpool.NewPipeline(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "semcode-worker: failed to load models: %v\n", err)
		os.Exit(1)
	}
	defer pipeline.Close()

	slog.Info("worker_ready",
		slog.String("dense_model", cfg.DenseModelDir),
		slog.String("late_model", cfg.LateModelDir))

	if err := embedpool.Serve(os.Stdin, os.Stdout, pipeline); err != nil {
		fmt.Fprintf(os.Stderr, "semcode-worker: serve loop exited: %v\n", err)
		os.Exit(1)
	}
}
