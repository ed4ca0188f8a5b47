package stream

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/siftdata/sift/rules"
)

func records(n int) []any {
	out := make([]any, n)
	for i := range n {
		out[i] = map[string]any{"id": fmt.Sprintf("%d", i)}
	}
	return out
}

func TestRunChunksAndCheckpoints(t *testing.T) {
	d := Driver{CheckpointDir: t.TempDir(), Now: func() string { return "1" }}

	res, err := d.Run(Request{
		Records:       records(5),
		Rules:         &rules.Set{},
		ChunkSize:     2,
		CheckpointKey: "job-a",
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Chunks)
	assert.Equal(t, 5, res.InputRows)
	assert.Equal(t, 5, res.OutputRows)

	last, err := d.ReadCheckpoint("job-a")
	require.NoError(t, err)
	assert.Equal(t, 2, last)
}

func TestRunResumeSkipsCompletedChunks(t *testing.T) {
	d := Driver{CheckpointDir: t.TempDir(), Now: func() string { return "1" }}
	require.NoError(t, d.WriteCheckpoint("job-b", 0))

	res, err := d.Run(Request{
		Records:       records(5),
		Rules:         &rules.Set{},
		ChunkSize:     2,
		CheckpointKey: "job-b",
		Resume:        true,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.ResumedFromChunk)
	assert.Equal(t, 2, res.Chunks)
	assert.Equal(t, 3, res.InputRows)
	require.Len(t, res.Rows, 3)
	assert.Equal(t, "2", res.Rows[0]["id"])
}

func TestRunDefaultChunkSize(t *testing.T) {
	d := Driver{CheckpointDir: t.TempDir()}
	res, err := d.Run(Request{Records: records(3), Rules: &rules.Set{}})
	require.NoError(t, err)
	assert.Equal(t, DefaultChunkSize, res.ChunkSize)
	assert.Equal(t, 1, res.Chunks)
}

func TestCheckpointKeyValidation(t *testing.T) {
	d := Driver{CheckpointDir: t.TempDir()}
	_, err := d.Run(Request{
		Records:       records(1),
		Rules:         &rules.Set{},
		CheckpointKey: "../escape",
	})
	assert.Error(t, err)
}

func TestReadCheckpointMissingIsClean(t *testing.T) {
	d := Driver{CheckpointDir: t.TempDir()}
	last, err := d.ReadCheckpoint("nothing-here")
	require.NoError(t, err)
	assert.Equal(t, -1, last)
}
