package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/trellis/pkg/tmf"
)

func inspectCmd() *cli.Command {
	var (
		path         string
		showAll      bool
		showSections bool
		showTensors  bool
		showVocab    bool
		showExtras   bool
		tensorLimit  int64
		vocabLimit   int64
		tensorFilter string
	)

	return &cli.Command{
		Name:  "inspect",
		Usage: "Inspect the contents of a .tmf model container",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "model",
				Aliases:     []string{"m"},
				Usage:       "path to .tmf file",
				Destination: &path,
				Required:    true,
			},
			&cli.BoolFlag{Name: "all", Usage: "show all sections", Destination: &showAll},
			&cli.BoolFlag{Name: "sections", Usage: "show section directory", Destination: &showSections},
			&cli.BoolFlag{Name: "tensors", Usage: "list tensor index", Destination: &showTensors},
			&cli.BoolFlag{Name: "vocab", Usage: "list vocab entries", Destination: &showVocab},
			&cli.BoolFlag{Name: "extras", Usage: "list LM info extras", Destination: &showExtras},
			&cli.Int64Flag{Name: "tensors-limit", Usage: "limit tensor listing (0 = no limit)", Value: 50, Destination: &tensorLimit},
			&cli.Int64Flag{Name: "vocab-limit", Usage: "limit vocab listing (0 = no limit)", Value: 50, Destination: &vocabLimit},
			&cli.StringFlag{Name: "tensor-filter", Usage: "substring filter for tensor listing", Destination: &tensorFilter},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			if showAll {
				showSections = true
				showTensors = true
				showVocab = true
				showExtras = true
				if tensorLimit == 50 {
					tensorLimit = 0
				}
				if vocabLimit == 50 {
					vocabLimit = 0
				}
			}

			stat, err := os.Stat(path)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: stat model path %q: %v", path, err), 1)
			}
			if stat.IsDir() {
				return cli.Exit("error: trellis inspect only supports .tmf files", 1)
			}

			tf, err := tmf.Open(path)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: open tmf: %v", err), 1)
			}
			defer func() { _ = tf.Close() }()

			fmt.Printf("TMF Inspect: %s\n", path)
			fmt.Printf("File: %s (%s)\n", filepath.Base(path), formatBytes(uint64(stat.Size())))
			printHeader(tf.Header)

			infoBytes := tf.SectionData(tf.Section(tmf.SectionLMInfo))
			vocabBytes := tf.SectionData(tf.Section(tmf.SectionVocab))
			indexBytes := tf.SectionData(tf.Section(tmf.SectionTensorIndex))

			printLMInfo(infoBytes, showExtras)
			printTensorSummary(indexBytes)

			if showSections {
				printSectionDirectory(tf.Sections)
			}
			if showTensors {
				printTensorIndex(indexBytes, tensorFilter, int(tensorLimit))
			}
			if showVocab {
				printVocab(vocabBytes, int(vocabLimit))
			}

			return nil
		},
	}
}

func printHeader(h *tmf.Header) {
	if h == nil {
		return
	}
	flags := []string{}
	if h.Flags&tmf.FlagTensorDataAligned64 != 0 {
		flags = append(flags, "tensor_data_aligned64")
	}
	flagStr := "none"
	if len(flags) > 0 {
		flagStr = strings.Join(flags, ", ")
	}
	fmt.Printf("TMF Header: v%d.%d sections=%d header=%dB flags=%s\n",
		h.Major, h.Minor, h.SectionCount, h.HeaderSize, flagStr)
}

func printLMInfo(infoBytes []byte, showExtras bool) {
	section("LM Info")
	if len(infoBytes) == 0 {
		fmt.Println("(no lm info section)")
		return
	}
	info, err := tmf.ParseLMInfo(infoBytes)
	if err != nil {
		fmt.Printf("(lm info parse error: %v)\n", err)
		return
	}
	row("model_name", info.ModelName)
	row("cell", info.CellType.String())
	rowInt("vocab_size", int(info.VocabSize))
	rowInt("embed_size", int(info.EmbedSize))
	rowInt("hidden_size", int(info.HiddenSize))
	rowInt("layers", int(info.LayerCount))
	row("sos_id", fmt.Sprintf("%d", info.SOSID))
	row("eos_id", fmt.Sprintf("%d", info.EOSID))
	if !showExtras {
		if n := len(info.Extras); n > 0 {
			row("extras", fmt.Sprintf("%d entries", n))
		}
		return
	}
	keys := make([]string, 0, len(info.Extras))
	for k := range info.Extras {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		row("extra."+k, fmt.Sprintf("%v", info.Extras[k]))
	}
}

func printSectionDirectory(sections []tmf.SectionEntry) {
	section("Sections")
	for _, s := range sections {
		name := sectionTypeName(tmf.SectionType(s.Type))
		fmt.Printf("%-16s v%-2d off=%-10d size=%s\n", name, s.Version, s.Offset, formatBytes(s.Size))
	}
}

func printTensorSummary(indexBytes []byte) {
	section("Tensor Summary")
	if len(indexBytes) == 0 {
		fmt.Println("(no tensor index section)")
		return
	}
	idx, err := tmf.ParseTensorIndexSection(indexBytes)
	if err != nil {
		fmt.Printf("(tensor index parse error: %v)\n", err)
		return
	}

	count := idx.Count()
	rowInt("tensors", count)

	dtypeCounts := map[tmf.TensorDType]int{}
	dtypeBytes := map[tmf.TensorDType]uint64{}
	var total uint64
	for i := range count {
		entry, err := idx.Entry(i)
		if err != nil {
			continue
		}
		dtypeCounts[entry.DType]++
		dtypeBytes[entry.DType] += entry.DataSize
		total += entry.DataSize
	}
	row("data_size", formatBytes(total))

	keys := make([]tmf.TensorDType, 0, len(dtypeCounts))
	for k := range dtypeCounts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, k := range keys {
		row("dtype_"+dtypeName(k), fmt.Sprintf("%d (%s)", dtypeCounts[k], formatBytes(dtypeBytes[k])))
	}
}

func printTensorIndex(indexBytes []byte, filter string, limit int) {
	section("Tensor Index")
	if len(indexBytes) == 0 {
		fmt.Println("(no tensor index section)")
		return
	}
	idx, err := tmf.ParseTensorIndexSection(indexBytes)
	if err != nil {
		fmt.Printf("(tensor index parse error: %v)\n", err)
		return
	}

	count := idx.Count()
	printed := 0
	for i := range count {
		name, err := idx.Name(i)
		if err != nil {
			continue
		}
		if filter != "" && !strings.Contains(name, filter) {
			continue
		}
		entry, err := idx.Entry(i)
		if err != nil {
			continue
		}
		shape, _ := idx.Shape(i)
		fmt.Printf("%-24s dtype=%-5s shape=%-12s size=%s\n",
			name, dtypeName(entry.DType), formatShape(shape), formatBytes(entry.DataSize))
		printed++
		if limit > 0 && printed >= limit {
			break
		}
	}
	if limit > 0 && printed < count {
		fmt.Printf("... (%d shown of %d)\n", printed, count)
	}
}

func printVocab(vocabBytes []byte, limit int) {
	section("Vocab")
	if len(vocabBytes) == 0 {
		fmt.Println("(no vocab section)")
		return
	}
	tokens, err := tmf.ParseVocabSection(vocabBytes)
	if err != nil {
		fmt.Printf("(vocab parse error: %v)\n", err)
		return
	}
	shown := 0
	for id, tok := range tokens {
		fmt.Printf("%6d  %s\n", id, tok)
		shown++
		if limit > 0 && shown >= limit {
			break
		}
	}
	if limit > 0 && shown < len(tokens) {
		fmt.Printf("... (%d shown of %d)\n", shown, len(tokens))
	}
}

func section(title string) {
	line := strings.Repeat("-", len(title)+8)
	fmt.Printf("\n%s\n--- %s ---\n%s\n", line, title, line)
}

func row(label, value string) {
	if value == "" {
		return
	}
	fmt.Printf("%-16s %s\n", label+":", value)
}

func rowInt(label string, v int) {
	if v == 0 {
		return
	}
	row(label, fmt.Sprintf("%d", v))
}

func formatShape(shape []uint64) string {
	if len(shape) == 0 {
		return "[]"
	}
	parts := make([]string, len(shape))
	for i, v := range shape {
		parts[i] = fmt.Sprintf("%d", v)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case b >= gb:
		return fmt.Sprintf("%.2f GiB", float64(b)/float64(gb))
	case b >= mb:
		return fmt.Sprintf("%.2f MiB", float64(b)/float64(mb))
	case b >= kb:
		return fmt.Sprintf("%.2f KiB", float64(b)/float64(kb))
	default:
		return fmt.Sprintf("%d B", b)
	}
}

func sectionTypeName(t tmf.SectionType) string {
	switch t {
	case tmf.SectionLMInfo:
		return "LMInfo"
	case tmf.SectionVocab:
		return "Vocab"
	case tmf.SectionTensorIndex:
		return "TensorIndex"
	case tmf.SectionTensorData:
		return "TensorData"
	default:
		return fmt.Sprintf("Section0x%04x", uint32(t))
	}
}

func dtypeName(dt tmf.TensorDType) string {
	switch dt {
	case tmf.DTypeF32:
		return "f32"
	case tmf.DTypeF16:
		return "f16"
	case tmf.DTypeBF16:
		return "bf16"
	case tmf.DTypeF64:
		return "f64"
	case tmf.DTypeI8:
		return "i8"
	case tmf.DTypeU8:
		return "u8"
	case tmf.DTypeI16:
		return "i16"
	case tmf.DTypeU16:
		return "u16"
	case tmf.DTypeI32:
		return "i32"
	case tmf.DTypeU32:
		return "u32"
	case tmf.DTypeI64:
		return "i64"
	case tmf.DTypeU64:
		return "u64"
	default:
		return fmt.Sprintf("dtype_%d", dt)
	}
}
