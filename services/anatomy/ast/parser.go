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
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"unicode/utf8"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("anatomy.ast")

// maxErrorTokenLen caps the offending token quoted in a ParseError message.
const maxErrorTokenLen = 24

// Parser turns JavaScript source text into a syntax tree.
//
// Description:
//
//	Parser wraps tree-sitter's JavaScript grammar. Every syntax tree node
//	carries line/column positions. Source that does not parse cleanly is
//	reported as a *ParseError carrying the location of the first problem.
//
// Thread Safety:
//
//	Parser is safe for concurrent use. Each Parse call creates its own
//	tree-sitter parser instance.
//
// Example:
//
//	parser := NewParser()
//	tree, err := parser.Parse(ctx, []byte("setTimeout(() => {}, 0)"))
//	if err != nil {
//	    return fmt.Errorf("parse: %w", err)
//	}
//	defer tree.Close()
type Parser struct {
	options ParserOptions
}

// ParserOptions configures Parser behavior.
type ParserOptions struct {
	// MaxSourceSize is the maximum source size in bytes.
	// Sources larger than this return ErrSourceTooLarge.
	// Default: 1MB
	MaxSourceSize int
}

// DefaultParserOptions returns the default options.
func DefaultParserOptions() ParserOptions {
	return ParserOptions{
		MaxSourceSize: 1024 * 1024, // 1MB
	}
}

// ParserOption is a functional option for configuring Parser.
type ParserOption func(*ParserOptions)

// WithMaxSourceSize sets the maximum source size for parsing.
func WithMaxSourceSize(size int) ParserOption {
	return func(o *ParserOptions) {
		if size > 0 {
			o.MaxSourceSize = size
		}
	}
}

// NewParser creates a new Parser with the given options.
func NewParser(opts ...ParserOption) *Parser {
	options := DefaultParserOptions()
	for _, opt := range opts {
		opt(&options)
	}
	return &Parser{options: options}
}

// Options returns a copy of the parser's options.
func (p *Parser) Options() ParserOptions {
	return p.options
}

// Parse converts source text into a syntax tree.
//
// Description:
//
//	Parses the provided JavaScript source with tree-sitter. If the
//	resulting tree contains syntax errors, the tree is released and a
//	*ParseError describing the first error is returned instead.
//
// Inputs:
//
//	ctx    - Context for cancellation. Checked before and after parsing.
//	source - Raw JavaScript source bytes. Must be valid UTF-8.
//
// Outputs:
//
//	*SyntaxTree - The parsed tree. Caller must Close it. Nil on error.
//	error       - *ParseError for invalid syntax, ErrSourceTooLarge,
//	              ErrInvalidContent, ErrEmptySource, or a context error.
//
// Thread Safety:
//
//	This method is safe for concurrent use.
func (p *Parser) Parse(ctx context.Context, source []byte) (*SyntaxTree, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("javascript parse canceled before start: %w", err)
	}

	if len(source) > p.options.MaxSourceSize {
		return nil, ErrSourceTooLarge
	}
	if !utf8.Valid(source) {
		return nil, ErrInvalidContent
	}
	if len(bytes.TrimSpace(source)) == 0 {
		return nil, ErrEmptySource
	}

	ctx, span := tracer.Start(ctx, "ast.Parser.Parse",
		oteltrace.WithAttributes(attribute.Int("source_bytes", len(source))),
	)
	defer span.End()

	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(javascript.GetLanguage())

	// tree-sitter keeps references into the buffer; own a private copy.
	content := make([]byte, len(source))
	copy(content, source)

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		span.SetStatus(codes.Error, "tree-sitter parse failed")
		return nil, fmt.Errorf("tree-sitter parse failed: %w", err)
	}

	if err := ctx.Err(); err != nil {
		tree.Close()
		return nil, fmt.Errorf("javascript parse canceled after tree-sitter: %w", err)
	}

	root := tree.RootNode()
	if root.HasError() {
		perr := firstSyntaxError(root, content)
		tree.Close()
		span.SetStatus(codes.Error, perr.Message)
		span.SetAttributes(
			attribute.Int("error_line", perr.Location.Line),
			attribute.Int("error_column", perr.Location.Column),
		)
		slog.Debug("javascript source rejected",
			slog.String("message", perr.Message),
			slog.Int("line", perr.Location.Line),
			slog.Int("column", perr.Location.Column),
		)
		return nil, perr
	}

	return &SyntaxTree{tree: tree, root: root, source: content}, nil
}

// firstSyntaxError finds the first ERROR or MISSING node in document order.
//
// Only subtrees that report HasError are descended into. If tree-sitter
// flags an error without a locatable node, the root position is used.
func firstSyntaxError(root *sitter.Node, content []byte) *ParseError {
	stack := []*sitter.Node{root}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if node == nil {
			continue
		}

		if node.IsMissing() {
			return &ParseError{
				Message:  fmt.Sprintf("Missing %q", node.Type()),
				Location: locationOf(node.StartPoint()),
			}
		}
		if node.Type() == NodeError {
			return &ParseError{
				Message:  fmt.Sprintf("Unexpected token %q", errorToken(node, content)),
				Location: locationOf(node.StartPoint()),
			}
		}
		if !node.HasError() {
			continue
		}

		for i := int(node.ChildCount()) - 1; i >= 0; i-- {
			if child := node.Child(i); child != nil {
				stack = append(stack, child)
			}
		}
	}

	return &ParseError{
		Message:  "Syntax error",
		Location: locationOf(root.StartPoint()),
	}
}

// errorToken returns the first token of an ERROR node for the message.
func errorToken(node *sitter.Node, content []byte) string {
	leaf := node
	for leaf.ChildCount() > 0 {
		leaf = leaf.Child(0)
	}
	text := leaf.Content(content)
	if text == "" {
		text = node.Content(content)
	}
	return truncateText(text, maxErrorTokenLen)
}

func locationOf(p sitter.Point) Location {
	return Location{Line: int(p.Row) + 1, Column: int(p.Column)}
}
