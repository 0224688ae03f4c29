package harness

import (
	"fmt"
	"time"
)

// args are a step's decoded YAML arguments.
type args map[string]any

func (a args) str(key string) (string, error) {
	v, ok := a[key]
	if !ok {
		return "", fmt.Errorf("%s is required", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("%s must be a non-empty string, got %v", key, v)
	}
	return s, nil
}

func (a args) optStr(key, def string) string {
	if s, ok := a[key].(string); ok && s != "" {
		return s
	}
	return def
}

func (a args) integer(key string) (int, error) {
	switch v := a[key].(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case nil:
		return 0, fmt.Errorf("%s is required", key)
	default:
		return 0, fmt.Errorf("%s must be an integer, got %v", key, v)
	}
}

func (a args) duration(key string) (time.Duration, error) {
	s, err := a.str(key)
	if err != nil {
		return 0, err
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func (a args) optMap(key string) (map[string]any, error) {
	switch v := a[key].(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return v, nil
	default:
		return nil, fmt.Errorf("%s must be a mapping, got %v", key, v)
	}
}
