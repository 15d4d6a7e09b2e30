package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/trellis/internal/logger"
	"github.com/samcharles93/trellis/internal/toy"
	"github.com/samcharles93/trellis/pkg/lm"
	"github.com/samcharles93/trellis/pkg/tmf"
)

func benchCmd() *cli.Command {
	var (
		warmupRuns int64
		benchRuns  int64
		steps      int64
		useToy     bool
		toyVocab   int64
		toyHidden  int64
	)

	flags := append([]cli.Flag{}, commonModelFlags()...)
	flags = append(flags,
		&cli.Int64Flag{
			Name:        "warmup",
			Usage:       "number of warmup runs",
			Value:       1,
			Destination: &warmupRuns,
		},
		&cli.Int64Flag{
			Name:        "runs",
			Usage:       "number of benchmark runs",
			Value:       3,
			Destination: &benchRuns,
		},
		&cli.Int64Flag{
			Name:        "steps",
			Aliases:     []string{"n"},
			Usage:       "number of scoring steps per run",
			Value:       1024,
			Destination: &steps,
		},
		&cli.BoolFlag{
			Name:        "toy",
			Usage:       "benchmark a generated toy model instead of a real artifact",
			Destination: &useToy,
		},
		&cli.Int64Flag{Name: "toy-vocab", Usage: "toy vocabulary size", Value: 256, Destination: &toyVocab},
		&cli.Int64Flag{Name: "toy-hidden", Usage: "toy hidden size", Value: 128, Destination: &toyHidden},
	)

	return &cli.Command{
		Name:  "bench",
		Usage: "Run standardized scoring benchmarks",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyModelConfig(cmd, LoadConfig())

			path := modelPath
			if useToy {
				dir, err := os.MkdirTemp("", "trellis-bench-*")
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
				defer func() { _ = os.RemoveAll(dir) }()
				path = filepath.Join(dir, "bench.tmf")
				cfg := toy.Config{
					Cell:       tmf.CellGRU,
					VocabSize:  int(toyVocab),
					EmbedSize:  int(toyHidden),
					HiddenSize: int(toyHidden),
					Layers:     1,
					Seed:       42,
					ModelName:  "bench-toy",
				}
				if err := toy.WriteModel(path, cfg); err != nil {
					return cli.Exit(fmt.Sprintf("error: write toy model: %v", err), 1)
				}
			} else {
				resolved, err := resolveModelPath(modelPath, modelsPath, os.Stdin, os.Stderr)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: resolve model: %v", err), 1)
				}
				path = resolved
			}

			stat, err := os.Stat(path)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: stat model path %q: %v", path, err), 1)
			}

			log.Info("loading model for benchmark", "path", path)
			loadStart := time.Now()
			scorer, err := lm.Load(path, loadConfig())
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load model: %v", err), 1)
			}
			defer func() { _ = scorer.Close() }()
			loadDuration := time.Since(loadStart)

			fmt.Println("=== Trellis Benchmark ===")
			fmt.Printf("Model:      %s (%s)\n", path, formatBytes(uint64(stat.Size())))
			fmt.Printf("Cell:       %s (vocab=%d, hidden=%d, layers=%d)\n",
				scorer.CellType(), scorer.VocabSize(), scorer.HiddenSize(), scorer.Layers())
			fmt.Printf("CPUs:       %d\n", runtime.NumCPU())
			fmt.Printf("GOMAXPROCS: %d\n", runtime.GOMAXPROCS(0))
			fmt.Printf("Load:       %s\n", loadDuration.Round(time.Millisecond))
			fmt.Printf("Steps:      %d\n", steps)
			fmt.Printf("Warmup:     %d runs\n", warmupRuns)
			fmt.Printf("Runs:       %d\n", benchRuns)
			fmt.Println()

			for i := range int(warmupRuns) {
				log.Info("warmup run", "run", i+1)
				if _, err := benchSteps(ctx, scorer, int(steps)); err != nil {
					return cli.Exit(fmt.Sprintf("error: warmup run %d: %v", i+1, err), 1)
				}
			}

			type runResult struct {
				Duration time.Duration
				StepsSec float64
			}
			results := make([]runResult, 0, benchRuns)
			for i := range int(benchRuns) {
				log.Info("benchmark run", "run", i+1)
				d, err := benchSteps(ctx, scorer, int(steps))
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: benchmark run %d: %v", i+1, err), 1)
				}
				results = append(results, runResult{
					Duration: d,
					StepsSec: float64(steps) / d.Seconds(),
				})
			}

			fmt.Println("=== Results ===")
			fmt.Printf("%-6s %12s %12s\n", "Run", "Steps/s", "Duration")
			var sum float64
			for i, r := range results {
				fmt.Printf("%-6d %12.1f %12s\n", i+1, r.StepsSec, r.Duration.Round(time.Millisecond))
				sum += r.StepsSec
			}
			fmt.Printf("\n%-6s %12.1f\n", "Avg", sum/float64(len(results)))

			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)
			fmt.Printf("\nMemory: %.1f MB alloc, %.1f MB sys\n",
				float64(mem.Alloc)/(1024*1024),
				float64(mem.Sys)/(1024*1024))

			return nil
		},
	}
}

// benchSteps times one chained scoring pass: each step advances from the
// previous step's state, walking the vocabulary round-robin.
func benchSteps(ctx context.Context, scorer *lm.Scorer, steps int) (time.Duration, error) {
	st := scorer.StartState()
	prev := scorer.Start()
	vocab := scorer.VocabSize()

	start := time.Now()
	for i := 0; i < steps; i++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		label := i % vocab
		_, next, err := scorer.Step(st, prev, label)
		if err != nil {
			return 0, err
		}
		st, prev = next, label
	}
	return time.Since(start), nil
}
