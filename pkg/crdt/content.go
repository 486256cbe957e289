package crdt

import (
	"maps"
	"slices"
	"strings"
)

const (
	// BlockSeparator starts a new block. Marks set on a separator become the
	// attributes of the block it starts.
	BlockSeparator = '\n'

	// BlockTypeKey is the separator mark that selects the block type.
	BlockTypeKey = "type"

	DefaultBlockType = "paragraph"
)

// ContentTree is the materialized rich-text content of a document.
type ContentTree struct {
	Blocks []Block `json:"blocks"`
}

// Block is a paragraph-level unit such as a paragraph, heading or list item.
type Block struct {
	Type  string            `json:"type"`
	Attrs map[string]string `json:"attrs,omitempty"`
	Spans []Span            `json:"spans,omitempty"`
}

// Span is a run of text sharing the same inline marks.
type Span struct {
	Text  string            `json:"text"`
	Marks map[string]string `json:"marks,omitempty"`
}

// PlainText joins the blocks' text with newlines.
func (t *ContentTree) PlainText() string {
	var b strings.Builder
	for i, block := range t.Blocks {
		if i > 0 {
			b.WriteRune(BlockSeparator)
		}
		for _, span := range block.Spans {
			b.WriteString(span.Text)
		}
	}
	return b.String()
}

// Equal reports whether both trees have the same blocks, spans and marks.
func (t *ContentTree) Equal(o *ContentTree) bool {
	return slices.EqualFunc(t.Blocks, o.Blocks, func(a, b Block) bool {
		return a.Type == b.Type && maps.Equal(a.Attrs, b.Attrs) &&
			slices.EqualFunc(a.Spans, b.Spans, func(x, y Span) bool {
				return x.Text == y.Text && maps.Equal(x.Marks, y.Marks)
			})
	})
}

func liveMarks(e *element) map[string]string {
	var out map[string]string
	for key, m := range e.marks {
		if m.value == "" {
			continue
		}
		if out == nil {
			out = make(map[string]string)
		}
		out[key] = m.value
	}
	return out
}

func newBlock(attrs map[string]string) Block {
	block := Block{Type: DefaultBlockType}
	if t, ok := attrs[BlockTypeKey]; ok {
		block.Type = t
		delete(attrs, BlockTypeKey)
	}
	if len(attrs) > 0 {
		block.Attrs = attrs
	}
	return block
}

// Materialize projects the visible runes into blocks and spans. It has no side
// effects; callers that need it repeatedly should cache the result.
func (d *Doc) Materialize() *ContentTree {
	tree := &ContentTree{}
	current := newBlock(nil)
	var text strings.Builder
	var marks map[string]string

	flushSpan := func() {
		if text.Len() == 0 {
			return
		}
		current.Spans = append(current.Spans, Span{Text: text.String(), Marks: marks})
		text.Reset()
	}

	for _, e := range d.elems {
		if e.deleted {
			continue
		}
		if e.r == BlockSeparator {
			flushSpan()
			tree.Blocks = append(tree.Blocks, current)
			current = newBlock(liveMarks(e))
			marks = nil
			continue
		}
		m := liveMarks(e)
		if text.Len() > 0 && !maps.Equal(m, marks) {
			flushSpan()
		}
		marks = m
		text.WriteRune(e.r)
	}
	flushSpan()
	tree.Blocks = append(tree.Blocks, current)
	return tree
}

// Text returns the visible text, including block separators.
func (d *Doc) Text() string {
	var b strings.Builder
	for _, e := range d.elems {
		if !e.deleted {
			b.WriteRune(e.r)
		}
	}
	return b.String()
}
