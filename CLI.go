package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"

	"github.com/manningwu07/charGPT/IO"
	"github.com/manningwu07/charGPT/params"
	"github.com/manningwu07/charGPT/sampler"
	"github.com/manningwu07/charGPT/trainer"
	"github.com/manningwu07/charGPT/transformer"
	"github.com/manningwu07/charGPT/utils"
	"github.com/spf13/cobra"
)

const defaultCheckpoint = "chargpt.gob"

func newTrainCmd(rf *rootFlags) *cobra.Command {
	var corpusPath string
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a model on a text corpus",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rf)
			if err != nil {
				return err
			}
			f := cmd.Flags()
			m, tc := &cfg.Model, &cfg.Training
			if f.Changed("context") {
				m.ContextLength, _ = f.GetInt("context")
			}
			if f.Changed("layers") {
				m.NumLayers, _ = f.GetInt("layers")
			}
			if f.Changed("heads") {
				m.NumHeads, _ = f.GetInt("heads")
			}
			if f.Changed("embd") {
				m.EmbeddingDim, _ = f.GetInt("embd")
			}
			if f.Changed("dropout") {
				m.Dropout, _ = f.GetFloat64("dropout")
			}
			if f.Changed("epochs") {
				tc.MaxEpochs, _ = f.GetInt("epochs")
			}
			if f.Changed("batch-size") {
				tc.BatchSize, _ = f.GetInt("batch-size")
			}
			if f.Changed("lr") {
				tc.LearningRate, _ = f.GetFloat64("lr")
			}
			if f.Changed("lr-decay") {
				tc.LRDecay, _ = f.GetBool("lr-decay")
			}
			if f.Changed("warmup-tokens") {
				tc.WarmupTokens, _ = f.GetInt64("warmup-tokens")
			}
			if f.Changed("final-tokens") {
				tc.FinalTokens, _ = f.GetInt64("final-tokens")
			}
			if f.Changed("workers") {
				tc.NumDataWorkers, _ = f.GetInt("workers")
			}
			if f.Changed("val-frac") {
				tc.ValFrac, _ = f.GetFloat64("val-frac")
			}
			if f.Changed("out") {
				tc.CheckpointPath, _ = f.GetString("out")
			}
			if f.Changed("log") {
				tc.LogPath, _ = f.GetString("log")
			}
			if tc.CheckpointPath == "" {
				tc.CheckpointPath = defaultCheckpoint
			}
			return runTrain(cmd.Context(), cmd.OutOrStdout(), corpusPath, cfg.Model, cfg.Training)
		},
	}
	f := cmd.Flags()
	f.StringVar(&corpusPath, "corpus", "", "UTF-8 text file to train on")
	_ = cmd.MarkFlagRequired("corpus")
	f.Int("context", 0, "Context length (block size)")
	f.Int("layers", 0, "Number of transformer blocks")
	f.Int("heads", 0, "Attention heads per block")
	f.Int("embd", 0, "Embedding width")
	f.Float64("dropout", 0, "Dropout rate")
	f.Int("epochs", 0, "Number of epochs")
	f.Int("batch-size", 0, "Windows per batch")
	f.Float64("lr", 0, "Peak learning rate")
	f.Bool("lr-decay", false, "Enable token-based warmup and cosine decay")
	f.Int64("warmup-tokens", 0, "Warmup length in target tokens")
	f.Int64("final-tokens", 0, "Tokens at which the decay reaches its floor")
	f.Int("workers", 0, "Data loading goroutines (0 loads inline)")
	f.Float64("val-frac", 0, "Tail fraction of the corpus held out for evaluation")
	f.String("out", "", "Checkpoint path (default "+defaultCheckpoint+")")
	f.String("log", "", "Per-epoch CSV log path")
	return cmd
}

func runTrain(ctx context.Context, out io.Writer, corpusPath string, mc params.ModelConfig, tc params.TrainingConfig) error {
	text, err := IO.ReadCorpus(corpusPath)
	if err != nil {
		return err
	}
	// Vocabulary over the whole corpus so the held-out tail encodes too.
	vocab := IO.NewVocabulary(text)
	trainText, valText := IO.SplitCorpus(text, tc.ValFrac)
	trainDS, err := IO.NewCharDatasetWithVocab(trainText, mc.ContextLength, vocab)
	if err != nil {
		return err
	}
	var evalDS IO.Dataset
	if len([]rune(valText)) > mc.ContextLength {
		ds, err := IO.NewCharDatasetWithVocab(valText, mc.ContextLength, vocab)
		if err != nil {
			return err
		}
		evalDS = ds
	}
	utils.Logf("corpus: %d chars, vocab %d, train windows %d", len([]rune(text)), vocab.Size(), trainDS.Len())

	mc.VocabSize = vocab.Size()
	model, err := transformer.NewGPT(mc)
	if err != nil {
		return err
	}
	tr, err := trainer.New(model, trainDS, evalDS, tc)
	if err != nil {
		return err
	}
	err = tr.Run(ctx)
	if errors.Is(err, context.Canceled) {
		_, best := tr.Best()
		utils.Logf("interrupted after %d steps; best loss %.4f kept in %s", tr.State().Step, best, tc.CheckpointPath)
		return nil
	}
	if err != nil {
		return err
	}
	trainer.PlotLoss(out, tr.History())
	_, best := tr.Best()
	utils.Logf("done: %d steps, %d tokens, best loss %.4f, checkpoint %s", tr.State().Step, tr.State().Tokens, best, tc.CheckpointPath)
	return nil
}

func newSampleCmd(rf *rootFlags) *cobra.Command {
	var ckptPath, prompt string
	cmd := &cobra.Command{
		Use:   "sample",
		Short: "Generate text from a checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rf)
			if err != nil {
				return err
			}
			sc := &cfg.Sample
			f := cmd.Flags()
			if f.Changed("steps") {
				sc.Steps, _ = f.GetInt("steps")
			}
			if f.Changed("temperature") {
				sc.Temperature, _ = f.GetFloat64("temperature")
			}
			if f.Changed("top-k") {
				sc.TopK, _ = f.GetInt("top-k")
			}
			if f.Changed("greedy") {
				sc.Greedy, _ = f.GetBool("greedy")
			}
			if f.Changed("seed") {
				sc.Seed, _ = f.GetUint64("seed")
			}

			model, runes, err := transformer.LoadCheckpoint(ckptPath)
			if err != nil {
				return err
			}
			vocab := IO.VocabularyFromRunes(runes)
			seed, err := vocab.Encode(prompt)
			if err != nil {
				return err
			}
			out, err := sampler.Generate(model, seed, sampler.Options{
				Steps:       sc.Steps,
				Temperature: sc.Temperature,
				TopK:        sc.TopK,
				Greedy:      sc.Greedy,
				Src:         rand.NewPCG(sc.Seed, sc.Seed),
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), vocab.Decode(out))
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&ckptPath, "checkpoint", defaultCheckpoint, "Checkpoint written by train")
	f.StringVar(&prompt, "prompt", "", "Seed text (every character must be in the vocabulary)")
	_ = cmd.MarkFlagRequired("prompt")
	f.Int("steps", 0, "Characters to generate")
	f.Float64("temperature", 1, "Softmax temperature, must be positive")
	f.Int("top-k", 0, "Sample from the k most likely characters (0 keeps all)")
	f.Bool("greedy", false, "Always take the most likely character")
	f.Uint64("seed", 0, "Sampling seed")
	return cmd
}

func newExportCmd() *cobra.Command {
	var corpusPath, vocabPath, idsPath string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the corpus vocabulary as JSON and its token ids as binary",
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := IO.ReadCorpus(corpusPath)
			if err != nil {
				return err
			}
			vocab := IO.NewVocabulary(text)
			if err := IO.ExportVocabJSON(vocabPath, vocab); err != nil {
				return err
			}
			utils.Logf("exported %d runes to %s", vocab.Size(), vocabPath)
			if idsPath == "" {
				return nil
			}
			n, err := IO.ExportTokenIDsBinary(idsPath, text, vocab)
			if err != nil {
				return err
			}
			utils.Logf("exported %d ids to %s", n, idsPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&corpusPath, "corpus", "", "UTF-8 text file")
	cmd.Flags().StringVar(&vocabPath, "vocab", "vocab.json", "Vocabulary output")
	cmd.Flags().StringVar(&idsPath, "ids", "", "Binary token id output (skipped when empty)")
	_ = cmd.MarkFlagRequired("corpus")
	return cmd
}
