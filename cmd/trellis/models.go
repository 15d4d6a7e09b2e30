package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/trellis/internal/logger"
	"github.com/samcharles93/trellis/pkg/tmf"
)

func modelsCmd() *cli.Command {
	return &cli.Command{
		Name:    "list-models",
		Aliases: []string{"ls", "models"},
		Usage:   "List available TMF models",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "models-path",
				Aliases:     []string{"path"},
				Usage:       "path to directory containing .tmf models",
				Destination: &modelsPath,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyModelConfig(cmd, LoadConfig())

			dir := strings.TrimSpace(modelsPath)
			if dir == "" {
				dir = strings.TrimSpace(os.Getenv(envTrellisModelsDir))
			}
			if dir == "" {
				dir = defaultModelsDir()
			}
			if dir == "" {
				return cli.Exit("error: --models-path is required unless TRELLIS_MODELS_DIR is set", 1)
			}

			models, err := discoverTMFModels(dir)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if len(models) == 0 {
				log.Info("no models found", "path", dir)
				return nil
			}

			fmt.Printf("Models in %s:\n\n", dir)
			for _, m := range models {
				name := filepath.Base(m)
				info, err := os.Stat(m)
				if err != nil {
					fmt.Printf("  %s\n", name)
					continue
				}
				size := formatModelSize(info.Size())

				desc := ""
				if tf, err := tmf.Open(m); err == nil {
					infoBytes := tf.SectionData(tf.Section(tmf.SectionLMInfo))
					if mi, err := tmf.ParseLMInfo(infoBytes); err == nil {
						desc = fmt.Sprintf("%s, vocab=%d", mi.CellType, mi.VocabSize)
					}
					_ = tf.Close()
				}

				if desc != "" {
					fmt.Printf("  %-40s %8s  (%s)\n", name, size, desc)
				} else {
					fmt.Printf("  %-40s %8s\n", name, size)
				}
			}
			fmt.Printf("\n%d model(s) found\n", len(models))
			return nil
		},
	}
}

func formatModelSize(bytes int64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
