package adapter

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// StableJSON renders a value as canonical JSON with object keys sorted
// recursively. The output is a fixed point: rendering the decoded output
// again yields the same bytes. Used to build idempotency fingerprints.
func StableJSON(value any) (string, error) {
	var sb strings.Builder
	if err := writeStable(&sb, value); err != nil {
		return "", err
	}
	return sb.String(), nil
}

func writeStable(sb *strings.Builder, value any) error {
	switch v := value.(type) {
	case nil:
		sb.WriteString("null")
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			key, err := json.Marshal(k)
			if err != nil {
				return err
			}
			sb.Write(key)
			sb.WriteByte(':')
			if err := writeStable(sb, v[k]); err != nil {
				return err
			}
		}
		sb.WriteByte('}')
	case []any:
		sb.WriteByte('[')
		for i, item := range v {
			if i > 0 {
				sb.WriteByte(',')
			}
			if err := writeStable(sb, item); err != nil {
				return err
			}
		}
		sb.WriteByte(']')
	default:
		// Scalars and unknown composites: round-trip through encoding/json so
		// numbers, strings, and structs render exactly as the codec would.
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("stable json: %w", err)
		}
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return fmt.Errorf("stable json: %w", err)
		}
		switch decoded.(type) {
		case map[string]any, []any:
			return writeStable(sb, decoded)
		default:
			sb.Write(raw)
		}
	}
	return nil
}
