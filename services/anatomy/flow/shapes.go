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

// CallShape is the syntactic category a call expression falls into.
type CallShape int

const (
	// ShapeOrdinary is any call not matched by a more specific shape.
	ShapeOrdinary CallShape = iota

	// ShapeTimer is a bare-identifier call to a timer primitive: setTimeout(fn, ms).
	ShapeTimer

	// ShapeTick is object.method on the process-control tick primitive: process.nextTick(fn).
	ShapeTick

	// ShapeChain attaches a promise reaction: p.then(fn), p.catch(fn), p.finally(fn).
	ShapeChain
)

// String returns the shape name.
func (s CallShape) String() string {
	switch s {
	case ShapeTimer:
		return "timer"
	case ShapeTick:
		return "tick"
	case ShapeChain:
		return "chain"
	default:
		return "ordinary"
	}
}

// Primitives names the call shapes the extractor recognizes.
type Primitives struct {
	// TimerFunctions are bare identifiers that schedule a macrotask.
	TimerFunctions []string `json:"timer_functions" yaml:"timer_functions"`

	// TickObject and TickMethod form the high-priority microtask call.
	TickObject string `json:"tick_object" yaml:"tick_object"`
	TickMethod string `json:"tick_method" yaml:"tick_method"`

	// ChainMethods are promise reaction attach methods.
	ChainMethods []string `json:"chain_methods" yaml:"chain_methods"`
}

// DefaultPrimitives returns the Node.js primitives.
func DefaultPrimitives() Primitives {
	return Primitives{
		TimerFunctions: []string{"setTimeout"},
		TickObject:     "process",
		TickMethod:     "nextTick",
		ChainMethods:   []string{"then", "catch", "finally"},
	}
}

// shapeMatcher is compiled once per Extractor from Primitives.
type shapeMatcher struct {
	timers     map[string]bool
	tickObject string
	tickMethod string
	chains     map[string]bool
}

func newShapeMatcher(p Primitives) *shapeMatcher {
	m := &shapeMatcher{
		timers:     make(map[string]bool, len(p.TimerFunctions)),
		tickObject: p.TickObject,
		tickMethod: p.TickMethod,
		chains:     make(map[string]bool, len(p.ChainMethods)),
	}
	for _, name := range p.TimerFunctions {
		m.timers[name] = true
	}
	for _, name := range p.ChainMethods {
		m.chains[name] = true
	}
	return m
}

// shapeRule pairs a predicate with the shape it selects.
type shapeRule struct {
	shape   CallShape
	matches func(m *shapeMatcher, callee *sitter.Node, tree *ast.SyntaxTree) bool
}

// shapeRules is evaluated in order; the first match wins.
var shapeRules = []shapeRule{
	{ShapeTimer, func(m *shapeMatcher, callee *sitter.Node, tree *ast.SyntaxTree) bool {
		return callee.Type() == ast.NodeIdentifier && m.timers[tree.Text(callee)]
	}},
	{ShapeTick, func(m *shapeMatcher, callee *sitter.Node, tree *ast.SyntaxTree) bool {
		object, property, ok := memberParts(callee)
		return ok &&
			object.Type() == ast.NodeIdentifier &&
			tree.Text(object) == m.tickObject &&
			tree.Text(property) == m.tickMethod
	}},
	{ShapeChain, func(m *shapeMatcher, callee *sitter.Node, tree *ast.SyntaxTree) bool {
		_, property, ok := memberParts(callee)
		return ok && m.chains[tree.Text(property)]
	}},
}

// classify returns the shape of a call given its callee node.
func (m *shapeMatcher) classify(callee *sitter.Node, tree *ast.SyntaxTree) CallShape {
	if callee == nil {
		return ShapeOrdinary
	}
	for _, rule := range shapeRules {
		if rule.matches(m, callee, tree) {
			return rule.shape
		}
	}
	return ShapeOrdinary
}

// memberParts splits a member_expression callee into object and property.
func memberParts(callee *sitter.Node) (object, property *sitter.Node, ok bool) {
	if callee == nil || callee.Type() != ast.NodeMemberExpression {
		return nil, nil, false
	}
	object = callee.ChildByFieldName(ast.FieldObject)
	property = callee.ChildByFieldName(ast.FieldProperty)
	if object == nil || property == nil {
		return nil, nil, false
	}
	return object, property, true
}
