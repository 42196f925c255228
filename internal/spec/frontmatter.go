package spec

import (
	"bytes"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

var (
	// ErrMissingFrontMatter indicates the record did not start with a YAML fence.
	ErrMissingFrontMatter = errors.New("spec: missing frontmatter")
	// ErrMalformedFrontMatter indicates the YAML block could not be parsed.
	ErrMalformedFrontMatter = errors.New("spec: malformed frontmatter")
	// ErrMissingField indicates a required field is absent.
	ErrMissingField = errors.New("spec: missing required field")
)

// Parse decodes a spec record. id is taken from the filename, never from the
// frontmatter.
func Parse(id string, content []byte) (*Spec, error) {
	normalized := bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
	if !bytes.HasPrefix(normalized, []byte("---\n")) {
		return nil, fmt.Errorf("%s: %w", id, ErrMissingFrontMatter)
	}
	rest := normalized[4:]

	var meta, body []byte
	if bytes.HasPrefix(rest, []byte("---\n")) {
		body = rest[4:]
	} else {
		parts := bytes.SplitN(rest, []byte("\n---\n"), 2)
		if len(parts) < 2 {
			if !bytes.HasSuffix(rest, []byte("\n---")) {
				return nil, fmt.Errorf("%s: %w: no closing fence", id, ErrMalformedFrontMatter)
			}
			parts = [][]byte{rest[:len(rest)-4], nil}
		}
		meta, body = parts[0], parts[1]
	}

	s := &Spec{}
	if err := yaml.Unmarshal(meta, s); err != nil {
		return nil, fmt.Errorf("%s: %w: %v", id, ErrMalformedFrontMatter, err)
	}
	s.ID = id
	s.Body = string(body)
	if s.Status == "" {
		s.Status = StatusPending
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Render encodes s as `---` fenced YAML followed by the body.
func Render(s *Spec) ([]byte, error) {
	if s.ID == "" {
		return nil, fmt.Errorf("%w: id", ErrMissingField)
	}
	var meta bytes.Buffer
	enc := yaml.NewEncoder(&meta)
	enc.SetIndent(2)
	if err := enc.Encode(s); err != nil {
		return nil, fmt.Errorf("spec %s: encode frontmatter: %w", s.ID, err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(meta.Bytes())
	buf.WriteString("---\n")
	buf.WriteString(s.Body)
	return buf.Bytes(), nil
}
