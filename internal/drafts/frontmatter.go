package drafts

import (
	"bytes"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Frontmatter holds the YAML fields a draft may carry.
type Frontmatter struct {
	Conversation string `yaml:"conversation"`
}

// Draft is a parsed draft file.
type Draft struct {
	ConversationID string
	Body           string
}

// parseDraft resolves the conversation a draft targets and its body.
// The frontmatter conversation field wins; otherwise the file name
// without extension is the conversation id.
func parseDraft(path string, content []byte) Draft {
	fm, body := splitFrontmatter(content)

	d := Draft{Body: strings.TrimSpace(string(body))}
	if fm != nil {
		d.ConversationID = strings.TrimSpace(fm.Conversation)
	}

	if d.ConversationID == "" {
		d.ConversationID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	return d
}

// splitFrontmatter extracts YAML frontmatter from markdown content and
// returns the remaining body. Content without a well-formed block is
// all body.
func splitFrontmatter(content []byte) (*Frontmatter, []byte) {
	if !bytes.HasPrefix(content, []byte("---")) {
		return nil, content
	}

	rest := content[3:]

	// Skip the rest of the opening line ("---\n" or "---\r\n").
	idx := bytes.IndexByte(rest, '\n')
	if idx < 0 {
		return nil, content
	}

	rest = rest[idx+1:]

	var block []byte

	switch {
	case bytes.HasPrefix(rest, []byte("---")):
		// Empty block.
	default:
		end := bytes.Index(rest, []byte("\n---"))
		if end < 0 {
			return nil, content
		}

		block = rest[:end]
		rest = rest[end+1:]
	}

	// Drop the closing delimiter line.
	if nl := bytes.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:]
	} else {
		rest = nil
	}

	var fm Frontmatter
	if err := yaml.Unmarshal(block, &fm); err != nil {
		return nil, rest
	}

	return &fm, rest
}
