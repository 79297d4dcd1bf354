// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package logtree is the structured output model for intercepted calls:
// a tree of named nodes with attributes and text that renders as XML text
// and logs as a zap object.
package logtree

import (
	"encoding/xml"
	"strings"

	"go.uber.org/zap/zapcore"
)

// Attr is a name/value attribute on a node.
type Attr struct {
	Name  string
	Value string
}

// Node is one element of an output tree.
type Node struct {
	Name     string
	Attrs    []Attr
	Content  string
	Children []*Node
}

// New creates an empty node.
func New(name string) *Node {
	return &Node{Name: name}
}

// Text creates a node holding only text content.
func Text(name, content string) *Node {
	return &Node{Name: name, Content: content}
}

// SetAttr sets or replaces an attribute and returns n for chaining.
func (n *Node) SetAttr(name, value string) *Node {
	for i := range n.Attrs {
		if n.Attrs[i].Name == name {
			n.Attrs[i].Value = value
			return n
		}
	}
	n.Attrs = append(n.Attrs, Attr{Name: name, Value: value})
	return n
}

// Attr returns the value of an attribute.
func (n *Node) Attr(name string) (string, bool) {
	for _, a := range n.Attrs {
		if a.Name == name {
			return a.Value, true
		}
	}
	return "", false
}

// AppendChild adds c as the last child and returns it. Nil is ignored.
func (n *Node) AppendChild(c *Node) *Node {
	if c != nil {
		n.Children = append(n.Children, c)
	}
	return c
}

// AddTextChild appends a text node and returns it.
func (n *Node) AddTextChild(name, content string) *Node {
	return n.AppendChild(Text(name, content))
}

// Child returns the first child with the given name.
func (n *Node) Child(name string) *Node {
	for _, c := range n.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// String renders the tree as compact XML.
func (n *Node) String() string {
	var sb strings.Builder
	n.write(&sb)
	return sb.String()
}

func (n *Node) write(sb *strings.Builder) {
	sb.WriteByte('<')
	sb.WriteString(n.Name)
	for _, a := range n.Attrs {
		sb.WriteByte(' ')
		sb.WriteString(a.Name)
		sb.WriteString(`="`)
		escape(sb, a.Value)
		sb.WriteByte('"')
	}
	if n.Content == "" && len(n.Children) == 0 {
		sb.WriteString("/>")
		return
	}
	sb.WriteByte('>')
	escape(sb, n.Content)
	for _, c := range n.Children {
		c.write(sb)
	}
	sb.WriteString("</")
	sb.WriteString(n.Name)
	sb.WriteByte('>')
}

func escape(sb *strings.Builder, s string) {
	// strings.Builder never fails a write
	_ = xml.EscapeText(sb, []byte(s))
}

// MarshalLogObject lets a node be logged with zap.Object.
func (n *Node) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("name", n.Name)
	for _, a := range n.Attrs {
		enc.AddString("@"+a.Name, a.Value)
	}
	if n.Content != "" {
		enc.AddString("content", n.Content)
	}
	if len(n.Children) > 0 {
		return enc.AddArray("children", zapcore.ArrayMarshalerFunc(func(arr zapcore.ArrayEncoder) error {
			for _, c := range n.Children {
				if err := arr.AppendObject(c); err != nil {
					return err
				}
			}
			return nil
		}))
	}
	return nil
}
