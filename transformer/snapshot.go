package transformer

import (
	"bufio"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/manningwu07/charGPT/params"
	"github.com/manningwu07/charGPT/utils"
	"gonum.org/v1/gonum/mat"
)

var ErrSnapshotMismatch = errors.New("snapshot does not match model")

// Snapshot is a deep copy of every parameter, keyed by name and stored flat
// (row-major) so it serializes with gob.
type Snapshot struct {
	Names []string
	Rows  []int
	Cols  []int
	Data  [][]float64
}

// Snapshot copies the current weights.
func (g *GPT) Snapshot() *Snapshot {
	s := &Snapshot{
		Names: make([]string, len(g.params)),
		Rows:  make([]int, len(g.params)),
		Cols:  make([]int, len(g.params)),
		Data:  make([][]float64, len(g.params)),
	}
	for i, p := range g.params {
		r, c := p.W.Dims()
		s.Names[i] = p.Name
		s.Rows[i], s.Cols[i] = r, c
		s.Data[i] = utils.Flatten(p.W)
	}
	return s
}

// Restore overwrites the model weights in place with s.
func (g *GPT) Restore(s *Snapshot) error {
	if len(s.Names) != len(g.params) {
		return fmt.Errorf("transformer: %w: %d tensors, model has %d", ErrSnapshotMismatch, len(s.Names), len(g.params))
	}
	for i, p := range g.params {
		r, c := p.W.Dims()
		if s.Names[i] != p.Name || s.Rows[i] != r || s.Cols[i] != c || len(s.Data[i]) != r*c {
			return fmt.Errorf("transformer: %w: %s (%dx%d) vs %s (%dx%d)",
				ErrSnapshotMismatch, s.Names[i], s.Rows[i], s.Cols[i], p.Name, r, c)
		}
	}
	for i, p := range g.params {
		p.W.Copy(mat.NewDense(s.Rows[i], s.Cols[i], s.Data[i]))
	}
	return nil
}

type checkpoint struct {
	Config params.ModelConfig
	Vocab  []rune
	Params *Snapshot
}

// SaveCheckpoint writes cfg, the vocabulary and s to path as one gob artifact.
// The file is written next to path and renamed into place, so a reader never
// sees a partial checkpoint.
func SaveCheckpoint(path string, cfg params.ModelConfig, s *Snapshot, vocab []rune) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("transformer: checkpoint dir: %w", err)
	}
	f, err := os.CreateTemp(dir, ".ckpt-*")
	if err != nil {
		return fmt.Errorf("transformer: checkpoint: %w", err)
	}
	tmp := f.Name()
	defer os.Remove(tmp) // no-op after a successful rename

	w := bufio.NewWriter(f)
	if err := gob.NewEncoder(w).Encode(checkpoint{Config: cfg, Vocab: vocab, Params: s}); err != nil {
		f.Close()
		return fmt.Errorf("transformer: encode checkpoint: %w", err)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadCheckpoint rebuilds the model stored at path and returns it with its vocabulary.
func LoadCheckpoint(path string) (*GPT, []rune, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("transformer: open checkpoint: %w", err)
	}
	defer f.Close()

	var ck checkpoint
	if err := gob.NewDecoder(bufio.NewReader(f)).Decode(&ck); err != nil {
		return nil, nil, fmt.Errorf("transformer: decode %s: %w", path, err)
	}
	if ck.Params == nil {
		return nil, nil, fmt.Errorf("transformer: %w: %s has no parameters", ErrSnapshotMismatch, path)
	}
	g, err := NewGPT(ck.Config)
	if err != nil {
		return nil, nil, err
	}
	if err := g.Restore(ck.Params); err != nil {
		return nil, nil, err
	}
	g.SetTraining(false)
	return g, ck.Vocab, nil
}
