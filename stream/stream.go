// Package stream drives the row engine over chunked record sources
// with a resumable on-disk checkpoint per stream key.
package stream

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/siftdata/sift/engine"
	"github.com/siftdata/sift/rules"
	"github.com/siftdata/sift/value"
)

// DefaultChunkSize applies when the request leaves chunking unset.
const DefaultChunkSize = 2000

// Checkpoint is the persisted record of the last completed chunk.
type Checkpoint struct {
	CheckpointKey string `json:"checkpoint_key"`
	LastChunk     int    `json:"last_chunk"`
	UpdatedAt     string `json:"updated_at"`
}

// Driver splits input into chunks, feeds each chunk through the row
// engine and rewrites the checkpoint after every completed chunk.
type Driver struct {
	// CheckpointDir holds <key>.json checkpoint files.
	CheckpointDir string
	// Now supplies the checkpoint timestamp, epoch seconds as text.
	Now func() string
}

// Request is one streaming run.
type Request struct {
	Records       []any
	Rules         *rules.Set
	Gates         *engine.Gates
	ChunkSize     int
	CheckpointKey string
	Resume        bool
	Cancel        *atomic.Bool
}

// Result concatenates the chunk outputs.
type Result struct {
	Rows             []value.Row `json:"rows"`
	Chunks           int         `json:"chunks"`
	InputRows        int         `json:"input_rows"`
	OutputRows       int         `json:"output_rows"`
	ChunkSize        int         `json:"chunk_size"`
	ResumedFromChunk int         `json:"resumed_from_chunk"`
}

func (d Driver) checkpointPath(key string) (string, error) {
	k, err := rules.SafeToken(key)
	if err != nil {
		return "", err
	}
	return securejoin.SecureJoin(d.CheckpointDir, k+".json")
}

// ReadCheckpoint returns the last completed chunk index, or -1 when
// no checkpoint exists.
func (d Driver) ReadCheckpoint(key string) (int, error) {
	path, err := d.checkpointPath(key)
	if err != nil {
		return -1, err
	}
	body, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return -1, nil
	}
	if err != nil {
		return -1, fmt.Errorf("read checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(body, &cp); err != nil {
		return -1, fmt.Errorf("parse checkpoint: %w", err)
	}
	return cp.LastChunk, nil
}

// WriteCheckpoint records chunkIdx as the last completed chunk.
func (d Driver) WriteCheckpoint(key string, chunkIdx int) error {
	path, err := d.checkpointPath(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	now := ""
	if d.Now != nil {
		now = d.Now()
	}
	body, err := json.MarshalIndent(Checkpoint{CheckpointKey: key, LastChunk: chunkIdx, UpdatedAt: now}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return nil
}

// Run executes the streaming request. Chunks at or below the
// checkpointed index are skipped when resuming.
func (d Driver) Run(req Request) (*Result, error) {
	chunkSize := req.ChunkSize
	if chunkSize < 1 {
		if chunkSize == 0 {
			chunkSize = DefaultChunkSize
		} else {
			chunkSize = 1
		}
	}
	startChunk := 0
	if req.Resume && req.CheckpointKey != "" {
		last, err := d.ReadCheckpoint(req.CheckpointKey)
		if err != nil {
			return nil, err
		}
		if last >= 0 {
			startChunk = last + 1
		}
	}

	res := &Result{ChunkSize: chunkSize, ResumedFromChunk: startChunk}
	for chunkIdx, off := 0, 0; off < len(req.Records); chunkIdx, off = chunkIdx+1, off+chunkSize {
		end := min(off+chunkSize, len(req.Records))
		if chunkIdx < startChunk {
			continue
		}
		chunk := req.Records[off:end]
		res.Chunks++
		res.InputRows += len(chunk)

		out, err := engine.Apply(chunk, req.Rules, req.Gates, engine.Options{Cancel: req.Cancel})
		if err != nil {
			return nil, err
		}
		res.Rows = append(res.Rows, out.Rows...)
		res.OutputRows += len(out.Rows)

		if req.CheckpointKey != "" {
			if err := d.WriteCheckpoint(req.CheckpointKey, chunkIdx); err != nil {
				return nil, err
			}
		}
	}
	return res, nil
}
