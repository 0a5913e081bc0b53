package embedpool

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Encoder is implemented by the worker-process side: it owns the ONNX
// sessions and actually computes embeddings. The driver never implements
// this interface, only cmd/semcode-worker does: the worker process alone
// owns the ONNX sessions.
type Encoder interface {
	ProcessFile(ctx context.Context, relPath, absPath string, heartbeat func(stage string)) (*ProcessFileResult, error)
	EncodeQuery(ctx context.Context, text string) (*EncodeQueryResult, error)
	Rerank(ctx context.Context, queryMatrix []float32, colbertDim int, docs []RerankDoc) ([]float64, error)
}

// Serve runs the worker-side request loop: read a length-prefixed envelope
// from r, dispatch it to enc, write the response to w. Requests are
// processed one at a time; the driver dispatches at most one task per
// worker.
func Serve(r io.Reader, w io.Writer, enc Encoder) error {
	fr := newFrameReader(r)
	fw := newFrameWriter(w)
	var writeMu sync.Mutex

	send := func(e *Envelope) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return fw.WriteEnvelope(e)
	}

	for {
		env, err := fr.ReadEnvelope()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("read request: %w", err)
		}
		if env.Kind != KindRequest {
			continue
		}

		resp := handle(context.Background(), env, enc, send)
		if err := send(resp); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
	}
}

func handle(ctx context.Context, req *Envelope, enc Encoder, send func(*Envelope) error) *Envelope {
	switch req.Method {
	case MethodProcessFile:
		var params ProcessFileParams
		if err := decodeParams(req.Params, &params); err != nil {
			return errEnvelope(req.ID, err)
		}
		heartbeat := func(stage string) {
			_ = send(&Envelope{Kind: KindHeartbeat, Heartbeat: &Heartbeat{TaskID: req.ID, Stage: stage}})
		}
		result, err := enc.ProcessFile(ctx, params.RelativePath, params.AbsPath, heartbeat)
		if err != nil {
			return errEnvelope(req.ID, err)
		}
		return &Envelope{Kind: KindResponse, ID: req.ID, Result: result}

	case MethodEncodeQuery:
		var params EncodeQueryParams
		if err := decodeParams(req.Params, &params); err != nil {
			return errEnvelope(req.ID, err)
		}
		result, err := enc.EncodeQuery(ctx, params.Text)
		if err != nil {
			return errEnvelope(req.ID, err)
		}
		return &Envelope{Kind: KindResponse, ID: req.ID, Result: result}

	case MethodRerank:
		var params RerankParams
		if err := decodeParams(req.Params, &params); err != nil {
			return errEnvelope(req.ID, err)
		}
		scores, err := enc.Rerank(ctx, params.QueryMatrix, params.ColbertDim, params.Docs)
		if err != nil {
			return errEnvelope(req.ID, err)
		}
		return &Envelope{Kind: KindResponse, ID: req.ID, Result: RerankResult{Scores: scores}}

	default:
		return errEnvelope(req.ID, fmt.Errorf("unknown method %q", req.Method))
	}
}

func decodeParams(raw any, out any) error {
	buf, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(buf, out)
}

func errEnvelope(id uint64, err error) *Envelope {
	return &Envelope{Kind: KindResponse, ID: id, Error: err.Error()}
}
