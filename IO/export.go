package IO

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

type vocabFile struct {
	Size  int      `json:"size"`
	Runes []string `json:"runes"` // id order
}

// ExportVocabJSON writes the id -> rune table so a corpus encoded elsewhere keeps its ids.
func ExportVocabJSON(path string, v *Vocabulary) error {
	out := vocabFile{Size: v.Size(), Runes: make([]string, v.Size())}
	for i, r := range v.runes {
		out.Runes[i] = string(r)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		f.Close()
		return fmt.Errorf("IO: encode vocab: %w", err)
	}
	return f.Close()
}

func ImportVocabJSON(path string) (*Vocabulary, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var in vocabFile
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("IO: decode vocab %s: %w", path, err)
	}
	rs := make([]rune, len(in.Runes))
	for i, s := range in.Runes {
		r := []rune(s)
		if len(r) != 1 {
			return nil, fmt.Errorf("IO: vocab entry %d is %q, want one rune", i, s)
		}
		rs[i] = r[0]
	}
	v := VocabularyFromRunes(rs)
	if v.Size() != len(rs) || v.Size() != in.Size {
		return nil, fmt.Errorf("IO: vocab %s is not a sorted set of %d runes", path, in.Size)
	}
	for i, r := range rs {
		if v.runes[i] != r {
			return nil, fmt.Errorf("IO: vocab %s is not in sorted order at %d", path, i)
		}
	}
	return v, nil
}

// ExportTokenIDsBinary encodes text with v and writes the ids as little endian
// uint32 values, preceded by a uint64 count.
func ExportTokenIDsBinary(path, text string, v *Vocabulary) (int, error) {
	ids, err := v.Encode(text)
	if err != nil {
		return 0, err
	}
	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	if err := writeTokenIDs(f, ids); err != nil {
		f.Close()
		return 0, err
	}
	if err := f.Close(); err != nil {
		return 0, err
	}
	return len(ids), nil
}

func writeTokenIDs(dst io.Writer, ids []int) error {
	w := bufio.NewWriter(dst)
	buf8 := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf8, uint64(len(ids)))
	if _, err := w.Write(buf8); err != nil {
		return err
	}
	buf4 := make([]byte, 4)
	for _, id := range ids {
		binary.LittleEndian.PutUint32(buf4, uint32(id))
		if _, err := w.Write(buf4); err != nil {
			return err
		}
	}
	return w.Flush()
}

// ImportTokenIDsBinary reads a file written by ExportTokenIDsBinary.
func ImportTokenIDsBinary(path string) ([]int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r := bufio.NewReader(f)

	var n uint64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, fmt.Errorf("IO: read id count: %w", err)
	}
	ids := make([]int, 0, min(n, 1<<24))
	buf4 := make([]byte, 4)
	for i := uint64(0); i < n; i++ {
		if _, err := io.ReadFull(r, buf4); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, fmt.Errorf("IO: %s truncated after %d of %d ids", path, i, n)
			}
			return nil, err
		}
		ids = append(ids, int(binary.LittleEndian.Uint32(buf4)))
	}
	return ids, nil
}
