package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/trellis/internal/logger"
	"github.com/samcharles93/trellis/internal/toy"
	"github.com/samcharles93/trellis/internal/vocab"
	"github.com/samcharles93/trellis/pkg/tmf"
)

func packCmd() *cli.Command {
	var (
		input       string
		output      string
		modelName   string
		cell        string
		vocabPath   string
		sos         int64
		eos         int64
		tensorAlign int64
		cast        string

		writeToy  bool
		toyVocab  int64
		toyEmbed  int64
		toyHidden int64
		toyLayers int64
		toySeed   int64
	)

	return &cli.Command{
		Name:  "pack",
		Usage: "Pack a safetensors RNN-LM checkpoint into a single .tmf file",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "input",
				Aliases:     []string{"in"},
				Usage:       "safetensors checkpoint, or a directory containing exactly one",
				Destination: &input,
			},
			&cli.StringFlag{
				Name:        "output",
				Aliases:     []string{"out", "o"},
				Usage:       "output .tmf path (default: $TRELLIS_PACK_OUT_DIR or ./out)",
				Destination: &output,
			},
			&cli.StringFlag{
				Name:        "name",
				Usage:       "model name stored in the artifact (default: input filename)",
				Destination: &modelName,
			},
			&cli.StringFlag{
				Name:        "cell",
				Usage:       "recurrent cell type, gru or lstm (default: detect from weights)",
				Destination: &cell,
			},
			&cli.StringFlag{
				Name:        "vocab",
				Usage:       "vocabulary file to embed: units text (\"token id\" lines) or JSON object",
				Destination: &vocabPath,
			},
			&cli.Int64Flag{
				Name:        "sos",
				Usage:       "start-of-sequence token id (default -1 = resolve from vocab, else 0)",
				Value:       -1,
				Destination: &sos,
			},
			&cli.Int64Flag{
				Name:        "eos",
				Usage:       "end-of-sequence token id (default -1 = resolve from vocab, else sos)",
				Value:       -1,
				Destination: &eos,
			},
			&cli.Int64Flag{
				Name:        "tensor-align",
				Usage:       "alignment (bytes) between tensor payloads (1 disables). Typical: 64",
				Value:       64,
				Destination: &tensorAlign,
			},
			&cli.StringFlag{
				Name:        "cast",
				Usage:       "float casting: keep|f32|f16|bf16",
				Value:       "keep",
				Destination: &cast,
			},

			&cli.BoolFlag{
				Name:        "toy",
				Usage:       "write a deterministic seeded toy model instead of packing a checkpoint",
				Destination: &writeToy,
			},
			&cli.Int64Flag{Name: "toy-vocab", Usage: "toy vocabulary size", Value: 16, Destination: &toyVocab},
			&cli.Int64Flag{Name: "toy-embed", Usage: "toy embedding size", Value: 8, Destination: &toyEmbed},
			&cli.Int64Flag{Name: "toy-hidden", Usage: "toy hidden size", Value: 8, Destination: &toyHidden},
			&cli.Int64Flag{Name: "toy-layers", Usage: "toy layer count", Value: 1, Destination: &toyLayers},
			&cli.Int64Flag{Name: "toy-seed", Usage: "toy weight seed", Value: 1, Destination: &toySeed},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			log := logger.FromContext(ctx)

			if writeToy {
				name := modelName
				if name == "" {
					name = "toy"
				}
				outPath, defaulted, err := resolvePackOut(name, output)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
				cellType := tmf.CellGRU
				if cell != "" {
					cellType, err = tmf.ParseCellType(cell)
					if err != nil {
						return cli.Exit(fmt.Sprintf("error: %v", err), 1)
					}
				}
				boundary := func(v int64) int {
					if v < 0 {
						return 0
					}
					return int(v)
				}
				cfg := toy.Config{
					Cell:       cellType,
					VocabSize:  int(toyVocab),
					EmbedSize:  int(toyEmbed),
					HiddenSize: int(toyHidden),
					Layers:     int(toyLayers),
					Seed:       toySeed,
					SOSID:      boundary(sos),
					EOSID:      boundary(eos),
					ModelName:  name,
				}
				if err := toy.WriteModel(outPath, cfg); err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
				if defaulted {
					log.Info("wrote toy model", "path", outPath)
				}
				fmt.Printf("Packed %s (%s, vocab=%d, hidden=%d, layers=%d)\n",
					outPath, cellType, toyVocab, toyHidden, toyLayers)
				return nil
			}

			if input == "" {
				return cli.Exit("error: --input is required (or use --toy)", 1)
			}
			outPath, _, err := resolvePackOut(input, output)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			var tokens []string
			if vocabPath != "" {
				table, err := vocab.Load(vocabPath)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
				tokens = table.Tokens()
			}

			opts := tmf.PackOptions{
				Input:       input,
				OutputPath:  outPath,
				ModelName:   modelName,
				Cell:        cell,
				SOSID:       int(sos),
				EOSID:       int(eos),
				Tokens:      tokens,
				TensorAlign: int(tensorAlign),
				Cast:        cast,
			}
			if err := tmf.Pack(opts); err != nil {
				return cli.Exit(fmt.Sprintf("error: pack: %v", err), 1)
			}
			fmt.Printf("Packed %s\n", outPath)
			return nil
		},
	}
}
