// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ast

import (
	"unicode/utf8"

	sitter "github.com/smacker/go-tree-sitter"
)

// DefaultSerializeDepth bounds Serialize when no explicit depth is given.
const DefaultSerializeDepth = 64

// maxLeafTextLen caps the text carried by serialized leaf nodes.
const maxLeafTextLen = 120

// SyntaxTree is a parsed JavaScript program.
//
// Description:
//
//	Owns the native tree-sitter tree and a private copy of the source. Nodes
//	returned by Root are only valid until Close is called.
//
// Thread Safety:
//
//	Read-only use from multiple goroutines is safe. Close must not race
//	with readers.
type SyntaxTree struct {
	tree   *sitter.Tree
	root   *sitter.Node
	source []byte
}

// Root returns the program node.
func (t *SyntaxTree) Root() *sitter.Node {
	return t.root
}

// Source returns the parsed source bytes. Callers must not modify it.
func (t *SyntaxTree) Source() []byte {
	return t.source
}

// Text returns the source text spanned by node.
func (t *SyntaxTree) Text(node *sitter.Node) string {
	if node == nil {
		return ""
	}
	return node.Content(t.source)
}

// Line returns the 1-based line a node starts on.
func (t *SyntaxTree) Line(node *sitter.Node) int {
	if node == nil {
		return 0
	}
	return int(node.StartPoint().Row) + 1
}

// Close releases the native tree. Safe to call more than once.
func (t *SyntaxTree) Close() {
	if t == nil || t.tree == nil {
		return
	}
	t.tree.Close()
	t.tree = nil
	t.root = nil
}

// SyntaxNode is the JSON form of a syntax tree node.
type SyntaxNode struct {
	Type      string        `json:"type"`
	Start     Location      `json:"start"`
	End       Location      `json:"end"`
	Text      string        `json:"text,omitempty"`
	Children  []*SyntaxNode `json:"children,omitempty"`
	Truncated bool          `json:"truncated,omitempty"`
}

// Serialize converts the tree into SyntaxNode form.
//
// Description:
//
//	Only named nodes are kept; anonymous punctuation tokens are dropped.
//	Leaf nodes carry their source text. Nodes deeper than maxDepth are
//	replaced by a Truncated marker on their parent. A maxDepth <= 0 uses
//	DefaultSerializeDepth.
//
// Outputs:
//
//	*SyntaxNode - The serialized program node, or nil for a closed tree.
func (t *SyntaxTree) Serialize(maxDepth int) *SyntaxNode {
	if t == nil || t.root == nil {
		return nil
	}
	if maxDepth <= 0 {
		maxDepth = DefaultSerializeDepth
	}
	return t.serializeNode(t.root, 0, maxDepth)
}

func (t *SyntaxTree) serializeNode(node *sitter.Node, depth, maxDepth int) *SyntaxNode {
	out := &SyntaxNode{
		Type:  node.Type(),
		Start: locationOf(node.StartPoint()),
		End:   locationOf(node.EndPoint()),
	}

	count := int(node.NamedChildCount())
	if count == 0 {
		out.Text = truncateText(node.Content(t.source), maxLeafTextLen)
		return out
	}

	if depth >= maxDepth {
		out.Truncated = true
		return out
	}

	out.Children = make([]*SyntaxNode, 0, count)
	for i := 0; i < count; i++ {
		child := node.NamedChild(i)
		if child == nil || child.Type() == NodeComment {
			continue
		}
		out.Children = append(out.Children, t.serializeNode(child, depth+1, maxDepth))
	}
	return out
}

// truncateText cuts s to at most n bytes without splitting a rune.
func truncateText(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
