package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"

	yaml "go.yaml.in/yaml/v3"
)

// Document is the configuration file as a YAML node tree.
//
// Edits go through the tree so user comments, key order and unrelated keys
// survive the whole-document rewrite done after every task.
type Document struct {
	root *yaml.Node
}

// ParseDocument parses raw YAML. An empty input yields an empty mapping.
func ParseDocument(b []byte) (*Document, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(b, &root); err != nil {
		return nil, &ConfigError{Msg: "yaml parse", Err: err}
	}
	if root.Kind == 0 {
		root = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}}}
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) != 1 {
		return nil, &ConfigError{Msg: "expected a single YAML document"}
	}
	top := root.Content[0]
	if top.Kind == yaml.ScalarNode && top.Tag == "!!null" {
		root.Content[0] = &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map", HeadComment: top.HeadComment}
		top = root.Content[0]
	}
	if top.Kind != yaml.MappingNode {
		return nil, &ConfigError{Msg: fmt.Sprintf("line %d: top level must be a mapping of sections", top.Line)}
	}
	return &Document{root: &root}, nil
}

func (d *Document) top() *yaml.Node { return d.root.Content[0] }

// Sections returns top-level section names in document order.
func (d *Document) Sections() []string {
	top := d.top()
	out := make([]string, 0, len(top.Content)/2)
	for i := 0; i+1 < len(top.Content); i += 2 {
		out = append(out, top.Content[i].Value)
	}
	return out
}

// Has reports whether a top-level section exists.
func (d *Document) Has(section string) bool { return d.section(section) != nil }

func (d *Document) section(name string) *yaml.Node {
	return lookup(d.top(), name)
}

func lookup(m *yaml.Node, key string) *yaml.Node {
	if m == nil || m.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}

// HasKey reports whether section contains key.
func (d *Document) HasKey(section, key string) bool {
	return lookup(d.section(section), key) != nil
}

// DecodeSection strictly decodes one section into out. Unknown keys fail.
func (d *Document) DecodeSection(section string, out any) error {
	n := d.section(section)
	if n == nil {
		return &ConfigError{Path: section, Msg: "missing section"}
	}
	if n.Kind == yaml.ScalarNode && n.Tag == "!!null" {
		return &ConfigError{Path: section, Msg: "section is empty"}
	}
	if n.Kind != yaml.MappingNode {
		return &ConfigError{Path: section, Msg: fmt.Sprintf("line %d: section must be a mapping", n.Line)}
	}

	// yaml.Node.Decode has no strict mode; re-encode and decode with KnownFields.
	raw, err := yaml.Marshal(n)
	if err != nil {
		return &ConfigError{Path: section, Msg: "re-encode", Err: err}
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return &ConfigError{Path: section, Err: err}
	}
	return nil
}

// SetString sets section.key to a string scalar, adding the key if absent.
func (d *Document) SetString(section, key, value string) {
	d.setScalar(section, key, "!!str", value)
}

// SetInt sets section.key to an integer scalar, adding the key if absent.
func (d *Document) SetInt(section, key string, value int64) {
	d.setScalar(section, key, "!!int", strconv.FormatInt(value, 10))
}

func (d *Document) setScalar(section, key, tag, value string) {
	top := d.top()
	sec := lookup(top, section)
	switch {
	case sec == nil:
		sec = &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		top.Content = append(top.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: section},
			sec,
		)
	case sec.Kind != yaml.MappingNode:
		sec.Kind = yaml.MappingNode
		sec.Tag = "!!map"
		sec.Value = ""
		sec.Style = 0
		sec.Content = nil
	}
	if v := lookup(sec, key); v != nil {
		v.Kind = yaml.ScalarNode
		v.Tag = tag
		v.Value = value
		v.Style = 0
		v.Content = nil
		return
	}
	sec.Content = append(sec.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
		&yaml.Node{Kind: yaml.ScalarNode, Tag: tag, Value: value},
	)
}

// Bytes renders the document with two-space indentation.
func (d *Document) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(d.root); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
