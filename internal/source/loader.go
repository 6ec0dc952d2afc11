package source

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// ParseSource decodes a source rule set from JSON bytes.
//
// Only structural validity and a base URL are enforced. Absent rules are
// legal everywhere else; the pipeline skips what it cannot populate.
func ParseSource(b []byte) (*Source, error) {
	var s Source
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("parse source json: %w", err)
	}
	if strings.TrimSpace(s.BaseURL) == "" {
		return nil, fmt.Errorf("source %q has no base_url", s.Name)
	}
	return &s, nil
}

// LoadSourceFile reads and decodes a source rule set file.
func LoadSourceFile(path string) (*Source, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read source file: %w", err)
	}
	s, err := ParseSource(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}
