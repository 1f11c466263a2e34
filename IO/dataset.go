package IO

import (
	"errors"
	"fmt"
	"slices"

	"github.com/manningwu07/charGPT/params"
)

var (
	ErrUnknownRune = errors.New("rune not in vocabulary")
	ErrIndexRange  = errors.New("dataset index out of range")
	ErrShortCorpus = errors.New("corpus shorter than one window")
)

// Dataset is an indexed collection of (input, target) token windows of equal length.
type Dataset interface {
	Len() int
	Get(i int) (input, target []int, err error)
	VocabSize() int
	ContextLength() int
}

// VocabProvider is implemented by datasets that can hand their vocabulary to a checkpoint.
type VocabProvider interface {
	Vocab() []rune
}

// Vocabulary maps runes to dense ids. Ids follow the sorted rune order.
type Vocabulary struct {
	runes []rune
	index map[rune]int
}

// NewVocabulary collects the distinct runes of text.
func NewVocabulary(text string) *Vocabulary {
	seen := make(map[rune]bool)
	var rs []rune
	for _, r := range text {
		if !seen[r] {
			seen[r] = true
			rs = append(rs, r)
		}
	}
	return VocabularyFromRunes(rs)
}

// VocabularyFromRunes builds a vocabulary from an explicit rune list (duplicates dropped).
func VocabularyFromRunes(rs []rune) *Vocabulary {
	sorted := slices.Clone(rs)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	v := &Vocabulary{runes: sorted, index: make(map[rune]int, len(sorted))}
	for i, r := range sorted {
		v.index[r] = i
	}
	return v
}

func (v *Vocabulary) Size() int { return len(v.runes) }

// Runes returns a copy of the id -> rune table.
func (v *Vocabulary) Runes() []rune { return slices.Clone(v.runes) }

func (v *Vocabulary) Encode(text string) ([]int, error) {
	ids := make([]int, 0, len(text))
	for _, r := range text {
		id, ok := v.index[r]
		if !ok {
			return nil, fmt.Errorf("IO: %w: %q", ErrUnknownRune, r)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Decode maps ids back to text. Out of range ids become U+FFFD.
func (v *Vocabulary) Decode(ids []int) string {
	out := make([]rune, len(ids))
	for i, id := range ids {
		if id < 0 || id >= len(v.runes) {
			out[i] = '�'
			continue
		}
		out[i] = v.runes[id]
	}
	return string(out)
}

// CharDataset serves every stride-1 window of a character corpus. Window i is
// input data[i:i+T], target data[i+1:i+T+1].
type CharDataset struct {
	vocab *Vocabulary
	data  []int
	block int
}

// NewCharDataset builds the vocabulary from text itself.
func NewCharDataset(text string, contextLength int) (*CharDataset, error) {
	return NewCharDatasetWithVocab(text, contextLength, NewVocabulary(text))
}

// NewCharDatasetWithVocab encodes text with an existing vocabulary, e.g. the
// training vocabulary for a held-out split.
func NewCharDatasetWithVocab(text string, contextLength int, vocab *Vocabulary) (*CharDataset, error) {
	if contextLength <= 0 {
		return nil, fmt.Errorf("IO: context length must be positive, got %d", contextLength)
	}
	if vocab.Size() == 0 {
		return nil, fmt.Errorf("IO: %w", params.ErrEmptyVocab)
	}
	data, err := vocab.Encode(text)
	if err != nil {
		return nil, err
	}
	if len(data) <= contextLength {
		return nil, fmt.Errorf("IO: %w: %d runes, need more than %d", ErrShortCorpus, len(data), contextLength)
	}
	return &CharDataset{vocab: vocab, data: data, block: contextLength}, nil
}

func (d *CharDataset) Len() int                { return len(d.data) - d.block }
func (d *CharDataset) VocabSize() int          { return d.vocab.Size() }
func (d *CharDataset) ContextLength() int      { return d.block }
func (d *CharDataset) Vocab() []rune           { return d.vocab.Runes() }
func (d *CharDataset) Vocabulary() *Vocabulary { return d.vocab }

// Get returns fresh copies, so callers may keep or modify them.
func (d *CharDataset) Get(i int) ([]int, []int, error) {
	if i < 0 || i >= d.Len() {
		return nil, nil, fmt.Errorf("IO: %w: %d not in [0,%d)", ErrIndexRange, i, d.Len())
	}
	chunk := d.data[i : i+d.block+1]
	return slices.Clone(chunk[:d.block]), slices.Clone(chunk[1:]), nil
}
