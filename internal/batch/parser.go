package batch

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/manash/promptloop/pkg/models"
)

// Item is one goal to optimise. Empty Provider and zero MaxIterations fall
// back to the batch Options.
type Item struct {
	Index         int
	Goal          string
	Provider      string
	Params        models.Params
	MaxIterations int
}

type jsonItem struct {
	Goal          string         `json:"goal"`
	Provider      string         `json:"provider,omitempty"`
	Params        map[string]any `json:"params,omitempty"`
	MaxIterations int            `json:"max_iterations,omitempty"`
}

func ParseFile(path string) ([]Item, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		return ParseJSON(file)
	case ".txt", "":
		return ParseText(file)
	default:
		return nil, fmt.Errorf("unsupported file format %q: use .txt or .json", ext)
	}
}

// ParseText reads one goal per line. Blank lines and lines starting with #
// are skipped.
func ParseText(r io.Reader) ([]Item, error) {
	var items []Item
	scanner := bufio.NewScanner(r)
	index := 0

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		index++
		items = append(items, Item{
			Index: index,
			Goal:  line,
		})
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("no goals found in file")
	}
	return items, nil
}

// ParseJSON reads an array of objects with a required "goal" and optional
// "provider", "params" and "max_iterations".
func ParseJSON(r io.Reader) ([]Item, error) {
	var raw []jsonItem
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("no goals found in file")
	}

	items := make([]Item, len(raw))
	for i, ji := range raw {
		goal := strings.TrimSpace(ji.Goal)
		if goal == "" {
			return nil, fmt.Errorf("item %d has empty goal", i+1)
		}
		items[i] = Item{
			Index:         i + 1,
			Goal:          goal,
			Provider:      ji.Provider,
			Params:        ji.Params,
			MaxIterations: ji.MaxIterations,
		}
	}
	return items, nil
}
