package agent

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed embedded/*.md
var embeddedPrompts embed.FS

// ErrUnknownPrompt is returned when no prompt document has the given name.
var ErrUnknownPrompt = errors.New("unknown prompt")

// Doc is a prompt document: YAML frontmatter plus a template body.
type Doc struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Model       string `yaml:"model"`
	MaxTurns    int    `yaml:"max_turns"`
	Body        string `yaml:"-"`
	// Source is the file the document was read from, or "embedded".
	Source string `yaml:"-"`
}

const defaultMaxTurns = 50

// LoadDoc finds the prompt document called name. A file in dir
// (.sw/prompts) overrides the built-in document of the same name.
func LoadDoc(dir, name string) (*Doc, error) {
	if dir != "" {
		path := filepath.Join(dir, name+".md")
		data, err := os.ReadFile(path)
		if err == nil {
			return parseDoc(name, path, data)
		}
		if !os.IsNotExist(err) {
			return nil, err
		}
	}
	data, err := embeddedPrompts.ReadFile("embedded/" + name + ".md")
	if err == nil {
		return parseDoc(name, "embedded", data)
	}
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w %q", ErrUnknownPrompt, name)
	}
	return nil, err
}

// ListDocs returns every prompt document available, workspace overrides
// first taking precedence over built-ins, sorted by name.
func ListDocs(dir string) ([]*Doc, error) {
	seen := make(map[string]bool)
	var docs []*Doc
	add := func(names []string) error {
		for _, name := range names {
			if seen[name] {
				continue
			}
			d, err := LoadDoc(dir, name)
			if err != nil {
				return err
			}
			docs = append(docs, d)
			seen[name] = true
		}
		return nil
	}

	var local []string
	entries, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".md" {
			local = append(local, strings.TrimSuffix(e.Name(), ".md"))
		}
	}
	if err := add(local); err != nil {
		return nil, err
	}
	if err := add(EmbeddedNames()); err != nil {
		return nil, err
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Name < docs[j].Name })
	return docs, nil
}

// EmbeddedNames lists the built-in prompt documents.
func EmbeddedNames() []string {
	entries, _ := embeddedPrompts.ReadDir("embedded")
	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".md" {
			names = append(names, strings.TrimSuffix(e.Name(), ".md"))
		}
	}
	return names
}

// parseDoc splits content into frontmatter and body. A document without
// frontmatter is all body.
func parseDoc(name, source string, content []byte) (*Doc, error) {
	d := &Doc{Name: name, MaxTurns: defaultMaxTurns, Source: source}
	content = bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
	if !bytes.HasPrefix(content, []byte("---\n")) {
		d.Body = strings.TrimSpace(string(content))
		return d, nil
	}
	rest := content[4:]
	end := bytes.Index(rest, []byte("\n---"))
	if end < 0 {
		return nil, fmt.Errorf("prompt %s: unterminated frontmatter", name)
	}
	if err := yaml.Unmarshal(rest[:end], d); err != nil {
		return nil, fmt.Errorf("prompt %s: %w", name, err)
	}
	if d.Name == "" {
		d.Name = name
	}
	if d.MaxTurns <= 0 {
		d.MaxTurns = defaultMaxTurns
	}
	body := rest[end+4:]
	if i := bytes.IndexByte(body, '\n'); i >= 0 {
		body = body[i+1:]
	} else {
		body = nil
	}
	d.Body = strings.TrimSpace(string(body))
	return d, nil
}
