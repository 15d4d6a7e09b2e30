package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/trellis/internal/logger"
	"github.com/samcharles93/trellis/internal/logits"
	"github.com/samcharles93/trellis/pkg/lm"
)

func sampleCmd() *cli.Command {
	var (
		steps         int64
		count         int64
		temp          float64
		topK          int64
		topP          float64
		minP          float64
		repeatPenalty float64
		repeatLastN   int64
		seed          int64
		showScores    bool
	)

	flags := append([]cli.Flag{}, commonModelFlags()...)
	flags = append(flags,
		&cli.Int64Flag{
			Name:        "steps",
			Aliases:     []string{"n"},
			Usage:       "maximum tokens per sequence",
			Value:       32,
			Destination: &steps,
		},
		&cli.Int64Flag{
			Name:        "count",
			Usage:       "number of sequences to generate",
			Value:       1,
			Destination: &count,
		},
		&cli.Float64Flag{
			Name:        "temp",
			Aliases:     []string{"temperature"},
			Usage:       "sampling temperature (0 = greedy)",
			Value:       1.0,
			Destination: &temp,
		},
		&cli.Int64Flag{
			Name:        "top-k",
			Aliases:     []string{"top_k", "topk"},
			Usage:       "top-k sampling parameter",
			Value:       40,
			Destination: &topK,
		},
		&cli.Float64Flag{
			Name:        "top-p",
			Aliases:     []string{"top_p", "topp"},
			Usage:       "top-p sampling parameter",
			Value:       0.95,
			Destination: &topP,
		},
		&cli.Float64Flag{
			Name:        "min-p",
			Aliases:     []string{"min_p", "minp"},
			Usage:       "min-p sampling parameter (0.0 = disabled)",
			Destination: &minP,
		},
		&cli.Float64Flag{
			Name:        "repeat-penalty",
			Aliases:     []string{"repeat_penalty"},
			Usage:       "repetition penalty (1.0 = disabled)",
			Value:       1.0,
			Destination: &repeatPenalty,
		},
		&cli.Int64Flag{
			Name:        "repeat-last-n",
			Aliases:     []string{"repeat_last_n"},
			Usage:       "last n tokens to penalize",
			Value:       64,
			Destination: &repeatLastN,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "sampling RNG seed (default -1 = time-based)",
			Value:       -1,
			Destination: &seed,
		},
		&cli.BoolFlag{
			Name:        "show-scores",
			Usage:       "print the total log probability of each sequence",
			Destination: &showScores,
		},
	)

	return &cli.Command{
		Name:  "sample",
		Usage: "Generate token sequences by sampling the model's distributions",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			log := logger.FromContext(ctx)
			applySampleConfig(c, LoadConfig(), &temp, &topK, &topP, &minP, &repeatPenalty, &steps, &seed)

			resolved, err := resolveModelPath(modelPath, modelsPath, os.Stdin, os.Stderr)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: resolve model: %v", err), 1)
			}
			scorer, err := lm.Load(resolved, loadConfig())
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			defer func() { _ = scorer.Close() }()
			log.Debug("model loaded", "path", resolved, "cell", scorer.CellType(), "vocab", scorer.VocabSize())

			if seed == -1 {
				seed = time.Now().UnixNano()
			}
			sampler := logits.NewSampler(logits.SamplerConfig{
				Seed:          seed,
				Temperature:   float32(temp),
				TopK:          int(topK),
				TopP:          float32(topP),
				MinP:          float32(minP),
				RepeatPenalty: float32(repeatPenalty),
				RepeatLastN:   int(repeatLastN),
			})

			for i := 0; i < int(count); i++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				seq, total, err := sampleSequence(scorer, sampler, int(steps))
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
				line := formatTokens(scorer, seq)
				if line == "" {
					line = "</s>"
				}
				if showScores {
					fmt.Printf("%12.4f  %s\n", total, line)
				} else {
					fmt.Println(line)
				}
			}
			return nil
		},
	}
}

// sampleSequence draws one sequence, ending at the eos id or after maxSteps
// tokens. The returned total includes the eos transition when it was drawn.
func sampleSequence(scorer *lm.Scorer, sampler *logits.Sampler, maxSteps int) ([]int, float32, error) {
	st := scorer.StartState()
	prev := scorer.Start()
	eos := scorer.EOS()

	var (
		seq   []int
		total float32
	)
	for len(seq) < maxSteps {
		dist, next, err := scorer.Advance(st, prev)
		if err != nil {
			return nil, 0, err
		}
		id := sampler.Sample(dist, seq)
		total += dist[id]
		if id == eos {
			return seq, total, nil
		}
		seq = append(seq, id)
		st, prev = next, id
	}
	return seq, total, nil
}
