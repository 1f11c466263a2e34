package params

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

var (
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrEmptyVocab    = errors.New("vocabulary is empty")
)

// ModelConfig describes the shape of the transformer stack.
type ModelConfig struct {
	VocabSize     int     `json:"vocab_size"`     // |V|
	ContextLength int     `json:"context_length"` // T_max
	NumLayers     int     `json:"num_layers"`     // how many attn --> mlp blocks
	NumHeads      int     `json:"num_heads"`      // dHead = EmbeddingDim/NumHeads
	EmbeddingDim  int     `json:"embedding_dim"`  // model width
	Dropout       float64 `json:"dropout_rate"`   // embedding, attention and residual dropout

	// IgnoreIndex marks a target id that contributes nothing to the loss. nil disables it.
	IgnoreIndex *int   `json:"ignore_index,omitempty"`
	Seed        uint64 `json:"seed"` // weight init + dropout
}

// TrainingConfig drives the trainer, the optimizer and the data loader.
type TrainingConfig struct {
	MaxEpochs    int     `json:"max_epochs"`
	BatchSize    int     `json:"batch_size"`
	LearningRate float64 `json:"learning_rate"` // peak LR
	AdamBeta1    float64 `json:"adam_beta1"`    // default 0.9
	AdamBeta2    float64 `json:"adam_beta2"`    // default 0.95
	AdamEps      float64 `json:"adam_eps"`      // default 1e-8
	WeightDecay  float64 `json:"weight_decay"`  // decay group only
	GradNormClip float64 `json:"grad_norm_clip"` // <=0 disables

	// LR schedule, counted in target tokens.
	LRDecay      bool  `json:"lr_decay_enabled"`
	WarmupTokens int64 `json:"warmup_tokens"`
	FinalTokens  int64 `json:"final_tokens"`

	NumDataWorkers int     `json:"num_data_workers"` // 0 loads batches inline
	QueueSize      int     `json:"queue_size"`       // batches in flight; 0 means 2*workers
	EvalWorkers    int     `json:"eval_workers"`     // model replicas used for evaluation
	ValFrac        float64 `json:"val_frac"`         // tail fraction of the corpus held out for eval

	CheckpointPath string `json:"checkpoint_path"` // "" keeps the best snapshot in memory only
	LogPath        string `json:"log_path"`        // per-epoch CSV log, "" disables

	Seed       uint64 `json:"seed"`        // batch shuffling
	Debug      bool   `json:"debug"`       // periodic per-step logs
	DebugEvery int    `json:"debug_every"` // print every N optimizer steps
}

// SampleConfig holds the decoding options used by the CLI.
type SampleConfig struct {
	Steps       int     `json:"steps"`
	Temperature float64 `json:"temperature"`
	TopK        int     `json:"top_k"` // <=0 keeps the full distribution
	Greedy      bool    `json:"greedy"`
	Seed        uint64  `json:"seed"`
}

// Config is the on-disk file layout.
type Config struct {
	Backend  string         `json:"backend"`
	Model    ModelConfig    `json:"model"`
	Training TrainingConfig `json:"training"`
	Sample   SampleConfig   `json:"sample"`
}

func DefaultModelConfig() ModelConfig {
	return ModelConfig{
		ContextLength: 128,
		NumLayers:     8,
		NumHeads:      8,
		EmbeddingDim:  512,
		Dropout:       0.1,
		Seed:          42,
	}
}

func DefaultTrainingConfig() TrainingConfig {
	return TrainingConfig{
		MaxEpochs:    10,
		BatchSize:    64,
		LearningRate: 3e-4,
		AdamBeta1:    0.9,
		AdamBeta2:    0.95,
		AdamEps:      1e-8,
		WeightDecay:  0.1,
		GradNormClip: 1.0,

		LRDecay:      false,
		WarmupTokens: 375_000_000,
		FinalTokens:  260_000_000_000,

		NumDataWorkers: 4,
		EvalWorkers:    1,
		ValFrac:        0.1,

		Seed:       1337,
		DebugEvery: 100,
	}
}

func DefaultSampleConfig() SampleConfig {
	return SampleConfig{
		Steps:       500,
		Temperature: 1.0,
		TopK:        10,
		Seed:        42,
	}
}

func DefaultConfig() Config {
	return Config{
		Backend:  "gonum",
		Model:    DefaultModelConfig(),
		Training: DefaultTrainingConfig(),
		Sample:   DefaultSampleConfig(),
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// Validate checks the model shape. VocabSize must already be known.
func (c ModelConfig) Validate() error {
	if c.VocabSize <= 0 {
		return fmt.Errorf("%w: %w: vocab_size=%d", ErrInvalidConfig, ErrEmptyVocab, c.VocabSize)
	}
	if c.ContextLength <= 0 {
		return invalid("context_length must be positive, got %d", c.ContextLength)
	}
	if c.NumLayers <= 0 {
		return invalid("num_layers must be positive, got %d", c.NumLayers)
	}
	if c.NumHeads <= 0 || c.EmbeddingDim <= 0 {
		return invalid("num_heads=%d and embedding_dim=%d must be positive", c.NumHeads, c.EmbeddingDim)
	}
	if c.EmbeddingDim%c.NumHeads != 0 {
		return invalid("embedding_dim %d is not divisible by num_heads %d", c.EmbeddingDim, c.NumHeads)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return invalid("dropout_rate must be in [0,1), got %g", c.Dropout)
	}
	return nil
}

func (c TrainingConfig) Validate() error {
	switch {
	case c.MaxEpochs < 0:
		return invalid("max_epochs must not be negative, got %d", c.MaxEpochs)
	case c.BatchSize <= 0:
		return invalid("batch_size must be positive, got %d", c.BatchSize)
	case c.LearningRate <= 0:
		return invalid("learning_rate must be positive, got %g", c.LearningRate)
	case c.AdamBeta1 < 0 || c.AdamBeta1 >= 1 || c.AdamBeta2 < 0 || c.AdamBeta2 >= 1:
		return invalid("adam betas must be in [0,1), got %g/%g", c.AdamBeta1, c.AdamBeta2)
	case c.AdamEps <= 0:
		return invalid("adam_eps must be positive, got %g", c.AdamEps)
	case c.WeightDecay < 0:
		return invalid("weight_decay must not be negative, got %g", c.WeightDecay)
	case c.NumDataWorkers < 0 || c.QueueSize < 0 || c.EvalWorkers < 0:
		return invalid("worker and queue counts must not be negative")
	case c.ValFrac < 0 || c.ValFrac >= 1:
		return invalid("val_frac must be in [0,1), got %g", c.ValFrac)
	}
	if c.LRDecay {
		if c.WarmupTokens < 0 || c.FinalTokens < c.WarmupTokens {
			return invalid("need 0 <= warmup_tokens (%d) <= final_tokens (%d)", c.WarmupTokens, c.FinalTokens)
		}
	}
	return nil
}

func (c SampleConfig) Validate() error {
	if c.Steps < 0 {
		return invalid("steps must not be negative, got %d", c.Steps)
	}
	if c.Temperature <= 0 {
		return invalid("temperature must be positive, got %g", c.Temperature)
	}
	return nil
}

// Load overlays the JSON file at path on DefaultConfig. The model section is not
// validated here because VocabSize is only known once the corpus is read.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("params: read %s: %w", path, err)
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("params: decode %s: %w", path, err)
	}
	if err := cfg.Training.Validate(); err != nil {
		return cfg, err
	}
	if err := cfg.Sample.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Save writes cfg as indented JSON.
func Save(path string, cfg Config) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(cfg); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
