package survey

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// tomlBatch is the TOML layout of a batch import: one [[survey]] table per record.
type tomlBatch struct {
	Survey []Payload `toml:"survey"`
}

// ReadPayloads reads survey payloads from a batch file.
//
// The format is chosen by extension:
//   - .json: a single object or an array of objects
//   - .jsonl: one object per line
//   - .yaml, .yml: a single mapping or a sequence of mappings
//   - .toml: [[survey]] tables
//
// Every payload is normalized and validated. The first invalid payload
// fails the whole read, so a partially imported batch never happens.
func ReadPayloads(path string) ([]*Payload, error) {
	// #nosec G304 - controlled path from CLI
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read survey file %s: %w", path, err)
	}

	var payloads []*Payload
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		payloads, err = decodeJSON(data)
	case ".jsonl", ".ndjson":
		payloads, err = decodeJSONL(data)
	case ".yaml", ".yml":
		payloads, err = decodeYAML(data)
	case ".toml":
		payloads, err = decodeTOML(data)
	default:
		return nil, fmt.Errorf("unsupported survey file extension %q", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse survey file %s: %w", path, err)
	}

	for i, p := range payloads {
		p.Normalize()
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("survey %d in %s: %w", i+1, path, err)
		}
	}

	return payloads, nil
}

func decodeJSON(data []byte) ([]*Payload, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var payloads []*Payload
		if err := json.Unmarshal(trimmed, &payloads); err != nil {
			return nil, err
		}
		return payloads, nil
	}

	var p Payload
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return nil, err
	}
	return []*Payload{&p}, nil
}

func decodeJSONL(data []byte) ([]*Payload, error) {
	var payloads []*Payload
	decoder := json.NewDecoder(bytes.NewReader(data))
	lineNum := 0

	for {
		var p Payload
		if err := decoder.Decode(&p); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("invalid JSON at record %d: %w", lineNum+1, err)
		}
		lineNum++
		payloads = append(payloads, &p)
	}

	return payloads, nil
}

func decodeYAML(data []byte) ([]*Payload, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, err
	}
	if len(node.Content) == 0 {
		return nil, nil
	}

	if node.Content[0].Kind == yaml.SequenceNode {
		var payloads []*Payload
		if err := node.Decode(&payloads); err != nil {
			return nil, err
		}
		return payloads, nil
	}

	var p Payload
	if err := node.Decode(&p); err != nil {
		return nil, err
	}
	return []*Payload{&p}, nil
}

func decodeTOML(data []byte) ([]*Payload, error) {
	var batch tomlBatch
	md, err := toml.Decode(string(data), &batch)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown keys: %v", undecoded)
	}

	payloads := make([]*Payload, 0, len(batch.Survey))
	for i := range batch.Survey {
		payloads = append(payloads, &batch.Survey[i])
	}
	return payloads, nil
}
