package dataset

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"redline/internal/domain"
)

// Source resolves a dataset reference to an ordered prompt list. It stands at
// the boundary of the external dataset service: the engine only ever sees the
// resolved list.
type Source interface {
	Prompts(ref domain.DatasetRef) ([]string, error)
}

var ErrEmptyDataset = errors.New("dataset has no prompts")

// FileSource serves inline prompt lists and local YAML/JSON prompt files,
// optionally down-sampled to ref.SampleSize.
type FileSource struct {
	// Root confines relative file references, usually the workspace.
	Root string
}

func (s FileSource) Prompts(ref domain.DatasetRef) ([]string, error) {
	prompts := ref.Prompts
	if len(prompts) == 0 && ref.File != "" {
		loaded, err := s.load(ref.File)
		if err != nil {
			return nil, err
		}
		prompts = loaded
	}
	if len(prompts) == 0 {
		return nil, ErrEmptyDataset
	}
	if ref.SampleSize > 0 && ref.SampleSize < len(prompts) {
		// Head sampling keeps runs reproducible; randomized sampling is the
		// dataset service's concern.
		prompts = prompts[:ref.SampleSize]
	}
	out := make([]string, len(prompts))
	copy(out, prompts)
	return out, nil
}

func (s FileSource) load(name string) ([]string, error) {
	path := name
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.Root, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("dataset file: %w", err)
	}
	var prompts []string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, &prompts); err != nil {
			return nil, fmt.Errorf("dataset file %s: %w", name, err)
		}
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &prompts); err != nil {
			return nil, fmt.Errorf("dataset file %s: %w", name, err)
		}
	default:
		// Plain text, one prompt per line.
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if line != "" {
				prompts = append(prompts, line)
			}
		}
	}
	return prompts, nil
}
