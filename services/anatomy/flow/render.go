// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package flow

import (
	sitter "github.com/smacker/go-tree-sitter"

	"github.com/donotdothat-lab/node-anatomy/services/anatomy/ast"
)

// Argument placeholders.
const (
	ArgFunction   = "[Function]"
	ArgExpression = "[Expression]"
)

// complexObject stands in for a member-expression object that is not a plain
// name path, e.g. the call in fetch(url).json().
const complexObject = "(...)"

// calleeName derives the display name of a call.
//
// Bare identifiers render as their name, member expressions as
// object.property, anything else as Anonymous.
func calleeName(callee *sitter.Node, tree *ast.SyntaxTree) string {
	if callee == nil {
		return NameAnonymous
	}

	switch callee.Type() {
	case ast.NodeIdentifier:
		return tree.Text(callee)
	case ast.NodeMemberExpression:
		object, property, ok := memberParts(callee)
		if !ok {
			return NameAnonymous
		}
		prefix := complexObject
		if isNamePath(object) {
			prefix = tree.Text(object)
		}
		return prefix + "." + tree.Text(property)
	default:
		return NameAnonymous
	}
}

// isNamePath reports whether node is an identifier, this, or a dotted chain of them.
func isNamePath(node *sitter.Node) bool {
	switch node.Type() {
	case ast.NodeIdentifier, ast.NodeThis, ast.NodeSuper:
		return true
	case ast.NodeMemberExpression:
		object, _, ok := memberParts(node)
		return ok && isNamePath(object)
	default:
		return false
	}
}

// renderArgs renders a call's argument list for display. Never evaluates.
func renderArgs(args *sitter.Node, tree *ast.SyntaxTree) []string {
	if args == nil || args.Type() != ast.NodeArguments {
		return nil
	}
	count := int(args.NamedChildCount())
	if count == 0 {
		return nil
	}

	out := make([]string, 0, count)
	for i := 0; i < count; i++ {
		arg := args.NamedChild(i)
		if arg == nil || arg.Type() == ast.NodeComment {
			continue
		}
		out = append(out, renderArg(arg, tree))
	}
	return out
}

func renderArg(arg *sitter.Node, tree *ast.SyntaxTree) string {
	switch t := arg.Type(); {
	case t == ast.NodeString:
		return `"` + stringContent(arg, tree) + `"`
	case t == ast.NodeTemplateString, t == ast.NodeNumber, t == ast.NodeTrue,
		t == ast.NodeFalse, t == ast.NodeNull, t == ast.NodeUndefined,
		t == ast.NodeIdentifier:
		return tree.Text(arg)
	case ast.IsFunctionLiteral(t):
		return ArgFunction
	default:
		return ArgExpression
	}
}

// stringContent returns a string literal's text without its quotes.
func stringContent(node *sitter.Node, tree *ast.SyntaxTree) string {
	text := tree.Text(node)
	if len(text) >= 2 {
		return text[1 : len(text)-1]
	}
	return text
}
