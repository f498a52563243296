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
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	sitter "github.com/smacker/go-tree-sitter"
	"go.opentelemetry.io/otel/attribute"

	"github.com/donotdothat-lab/node-anatomy/services/anatomy/ast"
)

// DefaultMaxDepth bounds recursive descent into deeply nested trees.
const DefaultMaxDepth = 1000

// DefaultIDPrefix is prepended to the trigger counter: async-1, async-2, ...
const DefaultIDPrefix = "async-"

// cancelCheckInterval is how many visited nodes pass between ctx checks.
const cancelCheckInterval = 100

// Extractor classifies the calls in a syntax tree and records the causal
// links between asynchronous triggers and their continuations.
//
// Description:
//
//	Extract walks the tree once, threading an immutable traversal state
//	(run context and parent id) through the descent. Each call site picks
//	the state its children are visited with, based on the call's shape:
//	function literals passed to a trigger are visited as that trigger's
//	continuation, and statements after a bare `await` statement become the
//	continuation of the await marker.
//
// Limitations:
//
//	Only the fixed call shapes in Primitives are recognized. An await that
//	is not the whole expression of a statement (e.g. `x = await p`) only
//	has its operand traversed; no marker is emitted and no split occurs.
//
// Thread Safety:
//
//	Extractor is immutable after construction and safe for concurrent use.
//	Every Extract call owns its own id counter.
type Extractor struct {
	options ExtractorOptions
	shapes  *shapeMatcher
}

// ExtractorOptions configures Extractor behavior.
type ExtractorOptions struct {
	// Primitives names the recognized async call shapes.
	// Default: DefaultPrimitives()
	Primitives Primitives

	// MaxDepth stops descent below this nesting depth.
	// Default: 1000
	MaxDepth int

	// IDPrefix is prepended to trigger ids.
	// Default: "async-"
	IDPrefix string

	// Logger receives diagnostic output.
	// Default: slog.Default()
	Logger *slog.Logger
}

// DefaultExtractorOptions returns the default options.
func DefaultExtractorOptions() ExtractorOptions {
	return ExtractorOptions{
		Primitives: DefaultPrimitives(),
		MaxDepth:   DefaultMaxDepth,
		IDPrefix:   DefaultIDPrefix,
	}
}

// Option is a functional option for configuring Extractor.
type Option func(*ExtractorOptions)

// WithPrimitives sets the recognized call shapes.
func WithPrimitives(p Primitives) Option {
	return func(o *ExtractorOptions) {
		o.Primitives = p
	}
}

// WithMaxDepth sets the maximum descent depth.
func WithMaxDepth(depth int) Option {
	return func(o *ExtractorOptions) {
		if depth > 0 {
			o.MaxDepth = depth
		}
	}
}

// WithIDPrefix sets the trigger id prefix.
func WithIDPrefix(prefix string) Option {
	return func(o *ExtractorOptions) {
		if prefix != "" {
			o.IDPrefix = prefix
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *ExtractorOptions) {
		o.Logger = logger
	}
}

// NewExtractor creates an Extractor with the given options.
//
// Example:
//
//	extractor := NewExtractor(WithPrimitives(Primitives{
//	    TimerFunctions: []string{"setTimeout", "setImmediate"},
//	    TickObject:     "process",
//	    TickMethod:     "nextTick",
//	    ChainMethods:   []string{"then", "catch", "finally"},
//	}))
//	plan := extractor.Extract(ctx, tree)
func NewExtractor(opts ...Option) *Extractor {
	options := DefaultExtractorOptions()
	for _, opt := range opts {
		opt(&options)
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	return &Extractor{
		options: options,
		shapes:  newShapeMatcher(options.Primitives),
	}
}

// Options returns a copy of the extractor's options.
func (e *Extractor) Options() ExtractorOptions {
	return e.options
}

// Fingerprint identifies the settings that shape extracted plans. Two
// extractors with equal fingerprints produce identical plans for the same
// tree; the logger is not part of it.
func (e *Extractor) Fingerprint() string {
	p := e.options.Primitives
	h := sha256.New()
	fmt.Fprintf(h, "timers=%s\n", strings.Join(p.TimerFunctions, ","))
	fmt.Fprintf(h, "tick=%s.%s\n", p.TickObject, p.TickMethod)
	fmt.Fprintf(h, "chain=%s\n", strings.Join(p.ChainMethods, ","))
	fmt.Fprintf(h, "depth=%d\n", e.options.MaxDepth)
	fmt.Fprintf(h, "prefix=%s\n", e.options.IDPrefix)
	return hex.EncodeToString(h.Sum(nil))
}

// Extract produces the execution plan for a syntax tree.
//
// Description:
//
//	Visits the whole tree from the program node in Main context. Records are
//	appended in the order the traversal emits them, which guarantees every
//	record appears after the trigger it depends on and every chain link
//	after its predecessor link.
//
// Inputs:
//
//	ctx  - Context for tracing and cancellation. Checked every 100 nodes;
//	       a canceled extraction returns the records emitted so far, which
//	       still satisfy the parent-before-child ordering.
//	tree - A successfully parsed tree. Must not be nil or closed.
//
// Outputs:
//
//	Plan - The ordered task records. Empty, never nil.
//
// Thread Safety: Safe for concurrent use.
func (e *Extractor) Extract(ctx context.Context, tree *ast.SyntaxTree) Plan {
	ctx, span := tracer.Start(ctx, "flow.Extractor.Extract")
	defer span.End()

	start := time.Now()
	w := &walker{
		ctx:  ctx,
		ex:   e,
		tree: tree,
		plan: make(Plan, 0, 32),
	}
	if tree != nil && tree.Root() != nil {
		w.visit(tree.Root(), traversalState{runContext: RunContextMain}, 0)
	}

	recordExtraction(ctx, w.plan, time.Since(start), w.canceled)
	span.SetAttributes(
		attribute.Int("tasks", len(w.plan)),
		attribute.Int("ids_assigned", w.nextID),
		attribute.Int("nodes_visited", w.visited),
		attribute.Bool("canceled", w.canceled),
	)

	return w.plan
}

// traversalState is the immutable context threaded through descent.
type traversalState struct {
	runContext RunContext
	parentID   string
}

// continuation returns the state for code that runs after trigger id.
func continuation(id string) traversalState {
	return traversalState{runContext: RunContextAsyncCallback, parentID: id}
}

// walker holds the per-invocation mutable pieces: the id counter and the
// output sequence. It is never shared between Extract calls.
type walker struct {
	ctx      context.Context
	ex       *Extractor
	tree     *ast.SyntaxTree
	plan     Plan
	nextID   int
	visited  int
	canceled bool
}

func (w *walker) freshID() string {
	w.nextID++
	return w.ex.options.IDPrefix + strconv.Itoa(w.nextID)
}

func (w *walker) emit(task Task) {
	w.plan = append(w.plan, task)
}

// stopped reports whether descent must end, checking ctx periodically.
func (w *walker) stopped() bool {
	if w.canceled {
		return true
	}
	w.visited++
	if w.visited%cancelCheckInterval == 0 && w.ctx.Err() != nil {
		w.canceled = true
		w.ex.options.Logger.Debug("extraction canceled",
			slog.Int("tasks_emitted", len(w.plan)),
			slog.Int("nodes_visited", w.visited),
		)
		return true
	}
	return false
}

// visit dispatches on node type with the given state.
func (w *walker) visit(node *sitter.Node, st traversalState, depth int) {
	if node == nil || w.stopped() {
		return
	}
	if depth > w.ex.options.MaxDepth {
		w.ex.options.Logger.Debug("max extraction depth reached",
			slog.Int("depth", depth),
			slog.Int("line", w.tree.Line(node)),
		)
		return
	}

	switch nodeType := node.Type(); {
	case ast.IsStatementList(nodeType):
		w.visitStatements(namedChildren(node), st, depth)
	case nodeType == ast.NodeCallExpression:
		w.visitCall(node, st, depth)
	default:
		w.visitChildren(node, st, depth)
	}
}

// visitChildren descends into every named child with an unchanged state.
func (w *walker) visitChildren(node *sitter.Node, st traversalState, depth int) {
	for _, child := range namedChildren(node) {
		w.visit(child, st, depth+1)
	}
}

// visitStatements walks a statement list, splitting at bare await statements.
//
// At `await X;` the operand is visited first with the current state, an
// await marker is emitted, and every later sibling is re-dispatched as the
// marker's continuation. The loop then ends: the remainder has already been
// visited under the new state.
func (w *walker) visitStatements(stmts []*sitter.Node, st traversalState, depth int) {
	for i, stmt := range stmts {
		awaitNode, operand := bareAwait(stmt)
		if awaitNode == nil {
			w.visit(stmt, st, depth+1)
			continue
		}

		w.visit(operand, st, depth+2)
		id := w.freshID()
		w.emit(Task{
			Category:   CategoryMicroTask,
			ID:         id,
			ParentID:   st.parentID,
			RunContext: st.runContext,
			Name:       NameAwait,
			Phase:      PhaseAwaitResume,
			Line:       w.tree.Line(awaitNode),
		})
		w.visitStatements(stmts[i+1:], continuation(id), depth)
		return
	}
}

// visitCall applies the first matching call-shape rule.
func (w *walker) visitCall(node *sitter.Node, st traversalState, depth int) {
	callee := node.ChildByFieldName(ast.FieldFunction)
	args := node.ChildByFieldName(ast.FieldArguments)
	line := w.tree.Line(node)

	switch w.ex.shapes.classify(callee, w.tree) {
	case ShapeTimer:
		id := w.freshID()
		w.emit(Task{
			Category:   CategoryMacroTask,
			ID:         id,
			ParentID:   st.parentID,
			RunContext: st.runContext,
			Name:       w.tree.Text(callee),
			Phase:      PhaseTimer,
			Line:       line,
			Args:       renderArgs(args, w.tree),
		})
		w.visit(callee, st, depth+1)
		w.visitTriggerArgs(args, st, id, depth)

	case ShapeTick:
		id := w.freshID()
		w.emit(Task{
			Category:   CategoryMicroTask,
			ID:         id,
			ParentID:   st.parentID,
			RunContext: st.runContext,
			Name:       calleeName(callee, w.tree),
			Priority:   PriorityHigh,
			Line:       line,
			Args:       renderArgs(args, w.tree),
		})
		w.visit(callee, st, depth+1)
		w.visitTriggerArgs(args, st, id, depth)

	case ShapeChain:
		// Earlier links of the chain live in the object subtree and must be
		// emitted before this link.
		object, property, _ := memberParts(callee)
		w.visit(object, st, depth+1)
		id := w.freshID()
		w.emit(Task{
			Category:   CategoryMicroTask,
			ID:         id,
			ParentID:   st.parentID,
			RunContext: st.runContext,
			Name:       "Promise." + w.tree.Text(property),
			Priority:   PriorityNormal,
			Line:       line,
			Args:       renderArgs(args, w.tree),
		})
		w.visitTriggerArgs(args, st, id, depth)

	default:
		w.emit(Task{
			Category:   CategoryCallStack,
			ParentID:   st.parentID,
			RunContext: st.runContext,
			Name:       calleeName(callee, w.tree),
			Line:       line,
			Args:       renderArgs(args, w.tree),
		})
		w.visit(callee, st, depth+1)
		w.visit(args, st, depth+1)
	}
}

// visitTriggerArgs visits a trigger's arguments. Function literals run as the
// trigger's continuation; every other argument keeps the current state.
func (w *walker) visitTriggerArgs(args *sitter.Node, st traversalState, id string, depth int) {
	if args == nil {
		return
	}
	for _, arg := range namedChildren(args) {
		if ast.IsFunctionLiteral(arg.Type()) {
			w.visit(arg, continuation(id), depth+2)
			continue
		}
		w.visit(arg, st, depth+2)
	}
}

// bareAwait matches `await X;` as a whole statement and returns the await
// node and its operand. Both are nil for any other statement.
func bareAwait(stmt *sitter.Node) (awaitNode, operand *sitter.Node) {
	if stmt == nil || stmt.Type() != ast.NodeExpressionStatement || stmt.NamedChildCount() != 1 {
		return nil, nil
	}
	expr := stmt.NamedChild(0)
	if expr == nil || expr.Type() != ast.NodeAwaitExpression || expr.NamedChildCount() == 0 {
		return nil, nil
	}
	return expr, expr.NamedChild(0)
}

// namedChildren returns a node's named children, skipping comments.
func namedChildren(node *sitter.Node) []*sitter.Node {
	count := int(node.NamedChildCount())
	if count == 0 {
		return nil
	}
	out := make([]*sitter.Node, 0, count)
	for i := 0; i < count; i++ {
		child := node.NamedChild(i)
		if child == nil || child.Type() == ast.NodeComment {
			continue
		}
		out = append(out, child)
	}
	return out
}
