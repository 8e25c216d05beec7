package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/mycelian/dreamwatch/internal/types"
)

// fileSchema is the on-disk layout. TOML files use [[events]] tables, JSON
// files either {"events": [...]} or a bare array.
type fileSchema struct {
	Events []types.DailyEvent `json:"events" toml:"events"`
}

// LoadFile reads a batch from a .toml or .json file and validates it.
func LoadFile(path string) ([]types.DailyEvent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read events file: %w", err)
	}

	var file fileSchema
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("decode events file: %w", err)
		}
	case ".json":
		if err := decodeJSON(data, &file); err != nil {
			return nil, fmt.Errorf("decode events file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported events file %q: want .toml or .json", path)
	}

	if err := types.ValidateEvents(file.Events); err != nil {
		return nil, fmt.Errorf("events file %s: %w", path, err)
	}
	return file.Events, nil
}

// WriteFile stores a batch as TOML.
func WriteFile(path string, events []types.DailyEvent) error {
	data, err := toml.Marshal(fileSchema{Events: events})
	if err != nil {
		return fmt.Errorf("encode events file: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write events file: %w", err)
	}
	return nil
}

func decodeJSON(data []byte, file *fileSchema) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		return json.Unmarshal(data, &file.Events)
	}
	return json.Unmarshal(data, file)
}
