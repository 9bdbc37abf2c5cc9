package postprocess

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProcessor struct {
	name string
	err  error
	seen []string
}

func (s *stubProcessor) Name() string { return s.name }

func (s *stubProcessor) Run(ctx context.Context, folder string) error {
	s.seen = append(s.seen, folder)
	return s.err
}

func TestPipelineRunsEnabledInOrder(t *testing.T) {
	a := &stubProcessor{name: "a"}
	b := &stubProcessor{name: "b", err: errors.New("bad input")}
	c := &stubProcessor{name: "c"}

	p := NewPipeline([]string{"a", "b"}, zerolog.Nop())
	p.Register(a)
	p.Register(b)
	p.Register(c)
	assert.Equal(t, []string{"a", "b"}, p.Enabled())

	failures := p.Process(context.Background(), []string{"/x", "/y"})
	assert.Equal(t, []string{"/x", "/y"}, a.seen)
	assert.Equal(t, []string{"/x", "/y"}, b.seen)
	assert.Empty(t, c.seen)

	require.Len(t, failures, 2)
	assert.Equal(t, "b", failures[0].Processor)
	assert.Equal(t, "/x", failures[0].Folder)
	assert.ErrorIs(t, failures[1], b.err)
}

func TestPipelineSetEnabledAndReplace(t *testing.T) {
	p := NewPipeline(nil, zerolog.Nop())
	first := &stubProcessor{name: "a"}
	second := &stubProcessor{name: "a"}
	p.Register(first)
	p.Register(second)
	p.SetEnabled("a", true)

	assert.Empty(t, p.Process(context.Background(), []string{"/x"}))
	assert.Empty(t, first.seen)
	assert.Equal(t, []string{"/x"}, second.seen)

	p.SetEnabled("a", false)
	assert.Empty(t, p.Enabled())
}

func TestPipelineStopsWhenCancelled(t *testing.T) {
	a := &stubProcessor{name: "a"}
	p := NewPipeline([]string{"a"}, zerolog.Nop())
	p.Register(a)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	failures := p.Process(ctx, []string{"/x", "/y"})
	require.Len(t, failures, 1)
	assert.ErrorIs(t, failures[0], context.Canceled)
	assert.Empty(t, a.seen)
}

func TestManifestProcessor(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.csv"), []byte("2"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.csv"), nil, 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested"), 0o755))

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	proc := ManifestProcessor{Now: func() time.Time { return at }}
	require.NoError(t, proc.Run(context.Background(), dir))
	// A second run must not list the manifest itself
	require.NoError(t, proc.Run(context.Background(), dir))

	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	require.NoError(t, err)
	var man Manifest
	require.NoError(t, json.Unmarshal(data, &man))

	assert.True(t, at.Equal(man.Generated))
	require.Len(t, man.Files, 2)
	assert.Equal(t, ManifestEntry{
		Name:    "a.csv",
		Size:    0,
		BLAKE2b: "0e5751c026e543b2e8ab2eb06099daa1d1e5df47778f7787faab45cdf12fe3a8",
	}, man.Files[0])
	assert.Equal(t, "b.csv", man.Files[1].Name)
	assert.Equal(t, int64(1), man.Files[1].Size)
	assert.Len(t, man.Files[1].BLAKE2b, 64)

	_, err = os.Stat(filepath.Join(dir, ManifestFile+".tmp"))
	assert.True(t, os.IsNotExist(err))
}

func TestManifestMissingFolder(t *testing.T) {
	err := ManifestProcessor{}.Run(context.Background(), filepath.Join(t.TempDir(), "gone"))
	assert.Error(t, err)
}
