package api

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/samcharles93/trellis/internal/metrics"
	"github.com/samcharles93/trellis/pkg/lm"
)

// ScorerProvider resolves a model reference and runs fn against the loaded
// scorer. Implementations may share one scorer between callers; scorers are
// safe for concurrent use.
type ScorerProvider interface {
	WithScorer(ctx context.Context, modelRef string, fn func(s *lm.Scorer) error) error
}

// ScorerProviderConfig configures model resolution and loading.
type ScorerProviderConfig struct {
	// DefaultModelPath is used when a request names no model.
	DefaultModelPath string
	// ModelsPath is the directory bare model names resolve against. When
	// empty, TRELLIS_MODELS_DIR is consulted.
	ModelsPath string
	// Load is passed to lm.Load for every artifact.
	Load lm.Config
}

const envTrellisModelsDir = "TRELLIS_MODELS_DIR"

// CachedScorerProvider loads each artifact once and shares the scorer
// across sessions and requests.
type CachedScorerProvider struct {
	cfg   ScorerProviderConfig
	mu    sync.Mutex
	cache map[string]*scorerEntry
}

// scorerEntry serializes the load of one artifact without holding the
// cache lock for the duration.
type scorerEntry struct {
	mu     sync.Mutex
	scorer *lm.Scorer
}

func NewCachedScorerProvider(cfg ScorerProviderConfig) *CachedScorerProvider {
	return &CachedScorerProvider{
		cfg:   cfg,
		cache: make(map[string]*scorerEntry),
	}
}

func (p *CachedScorerProvider) WithScorer(ctx context.Context, modelRef string, fn func(s *lm.Scorer) error) error {
	path, err := p.resolveModelPath(modelRef)
	if err != nil {
		return err
	}
	scorer, err := p.getOrLoad(path)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(scorer)
}

func (p *CachedScorerProvider) getOrLoad(path string) (*lm.Scorer, error) {
	p.mu.Lock()
	entry, ok := p.cache[path]
	if !ok {
		entry = &scorerEntry{}
		p.cache[path] = entry
	}
	p.mu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.scorer != nil {
		return entry.scorer, nil
	}

	start := time.Now()
	scorer, err := lm.Load(path, p.cfg.Load)
	metrics.RecordModelLoad(time.Since(start), err)
	if err != nil {
		// Drop the placeholder so a later call retries the load, unless a
		// concurrent Close already swapped the cache out.
		p.mu.Lock()
		if p.cache[path] == entry {
			delete(p.cache, path)
		}
		p.mu.Unlock()
		return nil, err
	}
	entry.scorer = scorer
	return scorer, nil
}

// Close releases every cached scorer. The provider stays usable; later
// calls load fresh.
func (p *CachedScorerProvider) Close() error {
	p.mu.Lock()
	entries := make([]*scorerEntry, 0, len(p.cache))
	for _, entry := range p.cache {
		entries = append(entries, entry)
	}
	p.cache = make(map[string]*scorerEntry)
	p.mu.Unlock()

	var firstErr error
	for _, entry := range entries {
		entry.mu.Lock()
		if entry.scorer != nil {
			if err := entry.scorer.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
			entry.scorer = nil
		}
		entry.mu.Unlock()
	}
	return firstErr
}

// ListModels reports the artifact paths a request could name: the contents
// of the models directory, or the default model when no directory is set.
func (p *CachedScorerProvider) ListModels() ([]string, error) {
	dir := p.modelsDir()
	if dir == "" {
		if p.cfg.DefaultModelPath != "" {
			return []string{filepath.Clean(p.cfg.DefaultModelPath)}, nil
		}
		return nil, nil
	}
	return discoverModels(dir)
}

// resolveModelPath turns a model reference into an artifact path. A
// path-like reference is used as given; a bare name is looked up in the
// models directory; an empty reference falls back to the default model and
// then to a single discovered artifact.
func (p *CachedScorerProvider) resolveModelPath(modelRef string) (string, error) {
	modelRef = strings.TrimSpace(modelRef)
	if modelRef != "" {
		if looksLikePath(modelRef) {
			return filepath.Clean(modelRef), nil
		}
		dir := p.modelsDir()
		if dir == "" {
			return "", fmt.Errorf("a models directory is required to resolve model %q", modelRef)
		}
		if resolved := resolveInDir(dir, modelRef); resolved != "" {
			return resolved, nil
		}
		return "", fmt.Errorf("model %q not found in %s", modelRef, dir)
	}

	if p.cfg.DefaultModelPath != "" {
		return filepath.Clean(p.cfg.DefaultModelPath), nil
	}
	dir := p.modelsDir()
	if dir == "" {
		return "", fmt.Errorf("no model specified and no default model configured")
	}
	models, err := discoverModels(dir)
	if err != nil {
		return "", err
	}
	switch len(models) {
	case 1:
		return models[0], nil
	case 0:
		return "", fmt.Errorf("no .tmf models found in %s", dir)
	default:
		return "", fmt.Errorf("multiple models found in %s, specify one", dir)
	}
}

func (p *CachedScorerProvider) modelsDir() string {
	if dir := strings.TrimSpace(p.cfg.ModelsPath); dir != "" {
		return dir
	}
	return strings.TrimSpace(os.Getenv(envTrellisModelsDir))
}

// looksLikePath reports whether a model reference is a filesystem path
// rather than a bare model name.
func looksLikePath(ref string) bool {
	if strings.ContainsRune(ref, filepath.Separator) || strings.ContainsRune(ref, '/') {
		return true
	}
	return strings.HasSuffix(strings.ToLower(ref), ".tmf")
}

func resolveInDir(dir, name string) string {
	cand := filepath.Join(dir, name)
	if fileExists(cand) {
		return cand
	}
	if !strings.HasSuffix(strings.ToLower(name), ".tmf") {
		if cand := filepath.Join(dir, name+".tmf"); fileExists(cand) {
			return cand
		}
	}
	return ""
}

func discoverModels(dir string) ([]string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("models path is not a directory: %s", dir)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var models []string
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		if strings.HasSuffix(strings.ToLower(ent.Name()), ".tmf") {
			models = append(models, filepath.Join(dir, ent.Name()))
		}
	}
	return models, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
