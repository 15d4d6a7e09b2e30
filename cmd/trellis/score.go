package main

import (
	"bufio"
	"cmp"
	"context"
	"fmt"
	"os"
	"runtime/pprof"
	"slices"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/trellis/internal/logger"
	"github.com/samcharles93/trellis/internal/rescore"
	"github.com/samcharles93/trellis/pkg/lm"
)

func scoreCmd() *cli.Command {
	var (
		tokensArg  string
		nbestPath  string
		workers    int64
		jsonOut    bool
		cpuProfile string
		memProfile string
	)

	flags := append([]cli.Flag{}, commonModelFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "tokens",
			Aliases:     []string{"t"},
			Usage:       "sequence to score: token ids or vocab tokens, whitespace separated",
			Destination: &tokensArg,
		},
		&cli.StringFlag{
			Name:        "nbest",
			Usage:       "path to a JSON n-best file (array of token arrays) to rescore",
			Destination: &nbestPath,
		},
		&cli.Int64Flag{
			Name:        "workers",
			Usage:       "concurrent hypotheses during n-best rescoring (0 = GOMAXPROCS)",
			Destination: &workers,
		},
		&cli.BoolFlag{
			Name:        "json",
			Usage:       "emit JSON instead of a table",
			Destination: &jsonOut,
		},
		&cli.StringFlag{
			Name:        "cpuprofile",
			Usage:       "write cpu profile to file",
			Destination: &cpuProfile,
		},
		&cli.StringFlag{
			Name:        "memprofile",
			Usage:       "write memory profile to file",
			Destination: &memProfile,
		},
	)

	return &cli.Command{
		Name:  "score",
		Usage: "Score token sequences with a recurrent LM",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			log := logger.FromContext(ctx)
			applyModelConfig(c, LoadConfig())

			if cpuProfile != "" {
				f, err := os.Create(cpuProfile)
				if err != nil {
					return cli.Exit(fmt.Sprintf("could not create CPU profile: %v", err), 1)
				}
				defer func() { _ = f.Close() }()
				if err := pprof.StartCPUProfile(f); err != nil {
					return cli.Exit(fmt.Sprintf("could not start CPU profile: %v", err), 1)
				}
				defer pprof.StopCPUProfile()
			}
			if memProfile != "" {
				defer func() {
					f, err := os.Create(memProfile)
					if err != nil {
						fmt.Fprintf(os.Stderr, "could not create memory profile: %v\n", err)
						return
					}
					defer func() { _ = f.Close() }()
					if err := pprof.WriteHeapProfile(f); err != nil {
						fmt.Fprintf(os.Stderr, "could not write memory profile: %v\n", err)
					}
				}()
			}

			resolved, err := resolveModelPath(modelPath, modelsPath, os.Stdin, os.Stderr)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: resolve model: %v", err), 1)
			}

			loadStart := time.Now()
			scorer, err := lm.Load(resolved, loadConfig())
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			defer func() { _ = scorer.Close() }()
			log.Debug("model loaded",
				"path", resolved,
				"cell", scorer.CellType(),
				"vocab", scorer.VocabSize(),
				"duration", time.Since(loadStart))

			if nbestPath != "" {
				return scoreNBest(ctx, scorer, nbestPath, int(workers), jsonOut)
			}

			var seqs [][]int
			if strings.TrimSpace(tokensArg) != "" {
				seq, err := parseSequence(strings.Fields(tokensArg), scorer)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
				seqs = append(seqs, seq)
			} else {
				// One sequence per stdin line.
				sc := bufio.NewScanner(os.Stdin)
				for sc.Scan() {
					fields := strings.Fields(sc.Text())
					if len(fields) == 0 {
						continue
					}
					seq, err := parseSequence(fields, scorer)
					if err != nil {
						return cli.Exit(fmt.Sprintf("error: %v", err), 1)
					}
					seqs = append(seqs, seq)
				}
				if err := sc.Err(); err != nil {
					return cli.Exit(fmt.Sprintf("error: read stdin: %v", err), 1)
				}
			}
			if len(seqs) == 0 {
				return cli.Exit("error: nothing to score; pass --tokens, --nbest or pipe sequences on stdin", 1)
			}

			for _, seq := range seqs {
				total, perToken, err := rescore.ScoreSequence(ctx, scorer, seq)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
				if jsonOut {
					if err := printJSON(scoreOutput{Tokens: seq, Score: total, TokenScores: perToken}); err != nil {
						return cli.Exit(fmt.Sprintf("error: %v", err), 1)
					}
					continue
				}
				printScoreTable(scorer, seq, total, perToken)
			}
			return nil
		},
	}
}

type scoreOutput struct {
	Tokens      []int     `json:"tokens"`
	Score       float32   `json:"score"`
	TokenScores []float32 `json:"token_scores"`
}

type nbestOutput struct {
	Rank        int       `json:"rank"`
	Tokens      []int     `json:"tokens"`
	Score       float32   `json:"score"`
	TokenScores []float32 `json:"token_scores"`
}

func scoreNBest(ctx context.Context, scorer *lm.Scorer, path string, workers int, jsonOut bool) error {
	hyps, err := readNBestFile(path, scorer)
	if err != nil {
		return cli.Exit(fmt.Sprintf("error: %v", err), 1)
	}
	results, err := rescore.NewRescorer(scorer, workers).RescoreNBest(ctx, hyps)
	if err != nil {
		return cli.Exit(fmt.Sprintf("error: %v", err), 1)
	}

	order := make([]int, len(results))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		return cmp.Compare(results[b].Score, results[a].Score)
	})

	if jsonOut {
		out := make([]nbestOutput, len(order))
		for rank, idx := range order {
			out[rank] = nbestOutput{
				Rank:        rank + 1,
				Tokens:      results[idx].Tokens,
				Score:       results[idx].Score,
				TokenScores: results[idx].TokenScores,
			}
		}
		return printJSON(out)
	}

	fmt.Printf("%-6s %12s  %s\n", "Rank", "Score", "Tokens")
	for rank, idx := range order {
		fmt.Printf("%-6d %12.4f  %s\n", rank+1, results[idx].Score, formatTokens(scorer, results[idx].Tokens))
	}
	return nil
}

// readNBestFile parses a JSON array of hypotheses, each an array of token
// ids (numbers) or vocab tokens (strings).
func readNBestFile(path string, scorer *lm.Scorer) ([][]int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw [][]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%s: n-best list is empty", path)
	}
	hyps := make([][]int, len(raw))
	for i, hyp := range raw {
		fields := make([]string, len(hyp))
		for j, v := range hyp {
			switch t := v.(type) {
			case string:
				fields[j] = t
			case float64:
				fields[j] = strconv.Itoa(int(t))
			default:
				return nil, fmt.Errorf("%s: hypothesis %d entry %d: unsupported value %v", path, i, j, v)
			}
		}
		seq, err := parseSequence(fields, scorer)
		if err != nil {
			return nil, fmt.Errorf("%s: hypothesis %d: %w", path, i, err)
		}
		hyps[i] = seq
	}
	return hyps, nil
}

// parseSequence maps whitespace-split fields to token ids. Integer fields
// are used as ids directly; anything else is looked up in the artifact's
// vocabulary.
func parseSequence(fields []string, scorer *lm.Scorer) ([]int, error) {
	vocab := scorer.Vocab()
	ids := make(map[string]int, len(vocab))
	for id, tok := range vocab {
		ids[tok] = id
	}

	seq := make([]int, len(fields))
	for i, field := range fields {
		if id, err := strconv.Atoi(field); err == nil {
			seq[i] = id
			continue
		}
		id, ok := ids[field]
		if !ok {
			if len(vocab) == 0 {
				return nil, fmt.Errorf("token %q: artifact has no vocabulary, pass numeric ids", field)
			}
			return nil, fmt.Errorf("token %q not in vocabulary", field)
		}
		seq[i] = id
	}
	return seq, nil
}

func printScoreTable(scorer *lm.Scorer, seq []int, total float32, perToken []float32) {
	fmt.Printf("%-6s %-20s %12s\n", "Pos", "Token", "LogProb")
	for i, id := range seq {
		fmt.Printf("%-6d %-20s %12.4f\n", i+1, tokenLabel(scorer, id), perToken[i])
	}
	fmt.Printf("%-6s %-20s %12.4f\n", "", "</s>", perToken[len(perToken)-1])
	fmt.Printf("\nTotal: %.4f (%d tokens + eos)\n", total, len(seq))
}

func formatTokens(scorer *lm.Scorer, seq []int) string {
	parts := make([]string, len(seq))
	for i, id := range seq {
		parts[i] = tokenLabel(scorer, id)
	}
	return strings.Join(parts, " ")
}

func tokenLabel(scorer *lm.Scorer, id int) string {
	vocab := scorer.Vocab()
	if id >= 0 && id < len(vocab) && vocab[id] != "" {
		return vocab[id]
	}
	return strconv.Itoa(id)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
