package cmd

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/coderift/semcode/internal/index"
)

// plainProgress prints one line per progress event, suitable for piped
// output, CI logs, or any non-interactive terminal. It is the sole
// implementation of index.Progress the CLI provides; indexing itself never
// depends on how (or whether) progress gets rendered.
type plainProgress struct {
	mu  sync.Mutex
	out io.Writer
}

func newPlainProgress(out io.Writer) *plainProgress {
	return &plainProgress{out: out}
}

func (p *plainProgress) Start(ctx context.Context) error { return nil }

func (p *plainProgress) UpdateProgress(event index.ProgressEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var msg string
	if event.Message != "" {
		msg = event.Message
	} else if event.CurrentFile != "" {
		msg = event.CurrentFile
	}

	if event.Total > 0 {
		_, _ = fmt.Fprintf(p.out, "[%s] %d/%d - %s\n", event.Stage.Icon(), event.Current, event.Total, msg)
	} else if msg != "" {
		_, _ = fmt.Fprintf(p.out, "[%s] %s\n", event.Stage.Icon(), msg)
	}
}

func (p *plainProgress) AddError(event index.ErrorEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	prefix := "ERROR"
	if event.IsWarn {
		prefix = "WARN"
	}

	if event.File != "" {
		_, _ = fmt.Fprintf(p.out, "%s: %s: %v\n", prefix, event.File, event.Err)
	} else {
		_, _ = fmt.Fprintf(p.out, "%s: %v\n", prefix, event.Err)
	}
}

func (p *plainProgress) Complete(stats index.CompletionStats) {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, _ = fmt.Fprintf(p.out, "Complete: %d files, %d chunks indexed in %s",
		stats.Files, stats.Chunks, stats.Duration.Round(100*time.Millisecond))

	if stats.Errors > 0 || stats.Warnings > 0 {
		_, _ = fmt.Fprintf(p.out, " (%d errors, %d warnings)", stats.Errors, stats.Warnings)
	}
	_, _ = fmt.Fprintln(p.out)

	if stats.Stages.Scan > 0 || stats.Stages.Embed > 0 {
		_, _ = fmt.Fprintln(p.out)
		_, _ = fmt.Fprintln(p.out, "Stage Breakdown:")
		_, _ = fmt.Fprintf(p.out, "  Scan:    %s (files discovered)\n", stats.Stages.Scan.Round(100*time.Millisecond))
		_, _ = fmt.Fprintf(p.out, "  Chunk:   %s (code parsed)\n", stats.Stages.Chunk.Round(100*time.Millisecond))
		if stats.Stages.Context > 0 {
			_, _ = fmt.Fprintf(p.out, "  Context: %s (contextual enrichment)\n", stats.Stages.Context.Round(100*time.Millisecond))
		}
		if stats.Stages.Embed > 0 && stats.Chunks > 0 {
			chunksPerSec := float64(stats.Chunks) / stats.Stages.Embed.Seconds()
			_, _ = fmt.Fprintf(p.out, "  Embed:   %s (%d chunks @ %.1f/sec)\n",
				stats.Stages.Embed.Round(100*time.Millisecond), stats.Chunks, chunksPerSec)
		}
		_, _ = fmt.Fprintf(p.out, "  Index:   %s (BM25 + vector)\n", stats.Stages.Index.Round(100*time.Millisecond))
	}

	if stats.Embedder.Backend != "" {
		_, _ = fmt.Fprintln(p.out)
		_, _ = fmt.Fprintf(p.out, "Backend: %s (%s, %d dims)\n",
			stats.Embedder.Backend, stats.Embedder.Model, stats.Embedder.Dimensions)
	}
}

func (p *plainProgress) Stop() error { return nil }
