// Package doc holds the document content model. A Tree is an immutable
// value: every mutation produces a new Tree, so the collaboration core can
// apply a batch of steps speculatively and discard the result on failure.
package doc

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Tree is a rich-text document. Content is kept as a flat rune sequence
// with paragraph boundaries encoded as '\n'; the first paragraph is the
// document title. The JSON form is the editor's node tree.
type Tree struct {
	text []rune
}

func New(text string) *Tree {
	return &Tree{text: []rune(text)}
}

// node mirrors the editor's document tree wire format.
type node struct {
	Type    string         `json:"type"`
	Attrs   map[string]any `json:"attrs,omitempty"`
	Content []node         `json:"content,omitempty"`
	Text    string         `json:"text,omitempty"`
}

// FromJSON rebuilds a Tree from a serialized node tree. An empty payload
// yields an empty document.
func FromJSON(raw []byte) (*Tree, error) {
	if len(raw) == 0 {
		return New(""), nil
	}
	var root node
	if err := json.Unmarshal(raw, &root); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	if root.Type != "" && root.Type != "doc" {
		return nil, fmt.Errorf("unexpected root node type %q", root.Type)
	}
	lines := make([]string, 0, len(root.Content))
	for _, block := range root.Content {
		lines = append(lines, nodeText(block))
	}
	return New(strings.Join(lines, "\n")), nil
}

func nodeText(n node) string {
	if n.Text != "" {
		return n.Text
	}
	var b strings.Builder
	for _, child := range n.Content {
		b.WriteString(nodeText(child))
	}
	return b.String()
}

// ToJSON renders the node-tree form: a doc node whose first block is a
// level-1 heading (the title) followed by paragraphs.
func (t *Tree) ToJSON() json.RawMessage {
	lines := strings.Split(string(t.text), "\n")
	blocks := make([]node, 0, len(lines))
	for i, line := range lines {
		block := node{Type: "paragraph"}
		if i == 0 {
			block = node{Type: "heading", Attrs: map[string]any{"level": 1}}
		}
		if line != "" {
			block.Content = []node{{Type: "text", Text: line}}
		}
		blocks = append(blocks, block)
	}
	raw, _ := json.Marshal(node{Type: "doc", Content: blocks})
	return raw
}

// Len reports the document length in positions (runes, with each
// paragraph boundary counting as one).
func (t *Tree) Len() int {
	if t == nil {
		return 0
	}
	return len(t.text)
}

// Replace returns a new Tree with [from, to) replaced by insert.
func (t *Tree) Replace(from, to int, insert string) (*Tree, error) {
	if from < 0 || to < from || to > len(t.text) {
		return nil, fmt.Errorf("replace range [%d,%d) out of bounds for document of length %d", from, to, len(t.text))
	}
	ins := []rune(insert)
	next := make([]rune, 0, len(t.text)-(to-from)+len(ins))
	next = append(next, t.text[:from]...)
	next = append(next, ins...)
	next = append(next, t.text[to:]...)
	return &Tree{text: next}, nil
}

// Slice returns the text between two positions.
func (t *Tree) Slice(from, to int) string {
	if from < 0 {
		from = 0
	}
	if to > len(t.text) {
		to = len(t.text)
	}
	if from >= to {
		return ""
	}
	return string(t.text[from:to])
}

// TextContent returns the full flattened text.
func (t *Tree) TextContent() string {
	return string(t.text)
}

// Title returns the text of the first paragraph.
func (t *Tree) Title() string {
	content := string(t.text)
	if idx := strings.IndexByte(content, '\n'); idx >= 0 {
		return content[:idx]
	}
	return content
}

// Brief returns the text after the title, capped at max runes.
func (t *Tree) Brief(max int) string {
	content := string(t.text)
	rest := ""
	if idx := strings.IndexByte(content, '\n'); idx >= 0 {
		rest = content[idx+1:]
	}
	rest = strings.TrimSpace(strings.ReplaceAll(rest, "\n", " "))
	runes := []rune(rest)
	if len(runes) > max {
		return string(runes[:max])
	}
	return rest
}

var tagPattern = regexp.MustCompile(`(?:^|\s)#([\w-]+)`)

// Tags returns the unique #hashtag tokens found in the document body, in
// order of first appearance.
func (t *Tree) Tags() []string {
	seen := make(map[string]struct{})
	tags := make([]string, 0)
	for _, line := range strings.Split(string(t.text), "\n") {
		for _, match := range tagPattern.FindAllStringSubmatch(line, -1) {
			tag := match[1]
			if _, ok := seen[tag]; ok {
				continue
			}
			seen[tag] = struct{}{}
			tags = append(tags, tag)
		}
	}
	return tags
}
