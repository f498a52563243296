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
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/donotdothat-lab/node-anatomy/services/anatomy/ast"
)

// parseSource parses JavaScript and closes the tree when the test ends.
func parseSource(t *testing.T, source string) *ast.SyntaxTree {
	t.Helper()
	tree, err := ast.NewParser().Parse(context.Background(), []byte(source))
	require.NoError(t, err)
	t.Cleanup(tree.Close)
	return tree
}

func extract(t *testing.T, source string, opts ...Option) Plan {
	t.Helper()
	plan := NewExtractor(opts...).Extract(context.Background(), parseSource(t, source))
	require.NoError(t, plan.Validate(), "plan must satisfy the forest invariant")
	return plan
}

// names returns the record names in plan order.
func names(plan Plan) []string {
	out := make([]string, len(plan))
	for i, task := range plan {
		out[i] = task.Name
	}
	return out
}

func TestExtract_TimerCallbackBecomesContinuation(t *testing.T) {
	plan := extract(t, `setTimeout(() => { console.log('S'); }, 0);`)
	require.Len(t, plan, 2)

	timer := plan[0]
	assert.Equal(t, CategoryMacroTask, timer.Category)
	assert.Equal(t, "setTimeout", timer.Name)
	assert.Equal(t, PhaseTimer, timer.Phase)
	assert.Equal(t, "async-1", timer.ID)
	assert.Equal(t, RunContextMain, timer.RunContext)
	assert.Empty(t, timer.ParentID)
	assert.Equal(t, []string{ArgFunction, "0"}, timer.Args)
	assert.Equal(t, 1, timer.Line)

	body := plan[1]
	assert.Equal(t, CategoryCallStack, body.Category)
	assert.Equal(t, "console.log", body.Name)
	assert.Equal(t, RunContextAsyncCallback, body.RunContext)
	assert.Equal(t, timer.ID, body.ParentID)
	assert.Empty(t, body.ID)
	assert.Equal(t, []string{`"S"`}, body.Args)
}

func TestExtract_TimerWithFunctionExpression(t *testing.T) {
	plan := extract(t, "setTimeout(function tick() {\n  work();\n}, 10);")
	require.Len(t, plan, 2)
	assert.Equal(t, "work", plan[1].Name)
	assert.Equal(t, plan[0].ID, plan[1].ParentID)
	assert.Equal(t, 2, plan[1].Line)
}

func TestExtract_TimerWithNonFunctionArgs(t *testing.T) {
	plan := extract(t, `setTimeout(handler, compute());`)
	require.Len(t, plan, 2)

	assert.Equal(t, CategoryMacroTask, plan[0].Category)
	assert.Equal(t, []string{"handler", ArgExpression}, plan[0].Args)

	// Non-function arguments keep the caller's state.
	assert.Equal(t, "compute", plan[1].Name)
	assert.Equal(t, RunContextMain, plan[1].RunContext)
	assert.Empty(t, plan[1].ParentID)
}

func TestExtract_NestedTimers(t *testing.T) {
	plan := extract(t, `
setTimeout(() => {
  setTimeout(() => { inner(); }, 0);
}, 0);
`)
	require.Len(t, plan, 3)
	assert.Equal(t, "async-1", plan[0].ID)
	assert.Equal(t, "async-2", plan[1].ID)
	assert.Equal(t, "async-1", plan[1].ParentID)
	assert.Equal(t, RunContextAsyncCallback, plan[1].RunContext)
	assert.Equal(t, "inner", plan[2].Name)
	assert.Equal(t, "async-2", plan[2].ParentID)
}

func TestExtract_NextTick(t *testing.T) {
	plan := extract(t, `process.nextTick(() => tick());`)
	require.Len(t, plan, 2)

	assert.Equal(t, CategoryMicroTask, plan[0].Category)
	assert.Equal(t, "process.nextTick", plan[0].Name)
	assert.Equal(t, PriorityHigh, plan[0].Priority)
	assert.Empty(t, plan[0].Phase)

	// Expression-bodied arrows are continuations too.
	assert.Equal(t, "tick", plan[1].Name)
	assert.Equal(t, plan[0].ID, plan[1].ParentID)
}

func TestExtract_PromiseChainOrder(t *testing.T) {
	plan := extract(t, `Promise.resolve().then(() => { first(); }).then(() => { second(); });`)

	assert.Equal(t, []string{"Promise.resolve", "Promise.then", "first", "Promise.then", "second"}, names(plan))
	assert.Equal(t, CategoryCallStack, plan[0].Category)

	then1, then2 := plan[1], plan[3]
	assert.Equal(t, CategoryMicroTask, then1.Category)
	assert.Equal(t, PriorityNormal, then1.Priority)
	assert.NotEqual(t, then1.ID, then2.ID)
	assert.Equal(t, "async-1", then1.ID)
	assert.Equal(t, "async-2", then2.ID)

	assert.Equal(t, then1.ID, plan[2].ParentID)
	assert.Equal(t, then2.ID, plan[4].ParentID)
}

func TestExtract_ChainMethods(t *testing.T) {
	plan := extract(t, `p.catch(onError).finally(() => done());`)
	assert.Equal(t, []string{"Promise.catch", "Promise.finally", "done"}, names(plan))
	assert.Equal(t, []string{"onError"}, plan[0].Args)
	assert.Equal(t, plan[1].ID, plan[2].ParentID)
}

func TestExtract_AwaitSplitsFunctionBody(t *testing.T) {
	plan := extract(t, `
async function run() {
  console.log('A');
  await P();
  console.log('B');
}
`)
	require.Len(t, plan, 4)

	assert.Equal(t, "console.log", plan[0].Name)
	assert.Equal(t, CategoryCallStack, plan[0].Category)
	assert.Equal(t, RunContextMain, plan[0].RunContext)
	assert.Equal(t, []string{`"A"`}, plan[0].Args)

	assert.Equal(t, "P", plan[1].Name)
	assert.Equal(t, RunContextMain, plan[1].RunContext)

	marker := plan[2]
	assert.Equal(t, CategoryMicroTask, marker.Category)
	assert.Equal(t, NameAwait, marker.Name)
	assert.Equal(t, PhaseAwaitResume, marker.Phase)
	assert.Equal(t, 4, marker.Line)
	assert.NotEmpty(t, marker.ID)

	after := plan[3]
	assert.Equal(t, []string{`"B"`}, after.Args)
	assert.Equal(t, RunContextAsyncCallback, after.RunContext)
	assert.Equal(t, marker.ID, after.ParentID)
}

func TestExtract_SuccessiveAwaits(t *testing.T) {
	plan := extract(t, `
async function run() {
  await a();
  b();
  await c();
  d();
}
`)
	assert.Equal(t, []string{"a", NameAwait, "b", "c", NameAwait, "d"}, names(plan))

	first, second := plan[1], plan[4]
	assert.Equal(t, "async-1", first.ID)
	assert.Equal(t, "async-2", second.ID)
	assert.Equal(t, first.ID, plan[2].ParentID)
	assert.Equal(t, first.ID, plan[3].ParentID)
	assert.Equal(t, first.ID, second.ParentID)
	assert.Equal(t, RunContextAsyncCallback, second.RunContext)
	assert.Equal(t, second.ID, plan[5].ParentID)
}

func TestExtract_AwaitInAssignmentDoesNotSplit(t *testing.T) {
	plan := extract(t, `
async function run() {
  const value = await load();
  use(value);
}
`)
	assert.Equal(t, []string{"load", "use"}, names(plan))
	for _, task := range plan {
		assert.Equal(t, CategoryCallStack, task.Category)
		assert.Equal(t, RunContextMain, task.RunContext)
		assert.Empty(t, task.ParentID)
	}
}

func TestExtract_AwaitOnlySplitsItsOwnBlock(t *testing.T) {
	plan := extract(t, `
async function run() {
  if (ready) {
    await wait();
    inside();
  }
  outside();
}
`)
	assert.Equal(t, []string{"wait", NameAwait, "inside", "outside"}, names(plan))
	assert.Equal(t, plan[1].ID, plan[2].ParentID)
	assert.Empty(t, plan[3].ParentID)
	assert.Equal(t, RunContextMain, plan[3].RunContext)
}

func TestExtract_OrdinaryCallNames(t *testing.T) {
	plan := extract(t, `
foo();
obj.method();
a.b.c();
this.run();
fetch(url).json();
(function () {})();
`)
	assert.Equal(t, []string{
		"foo",
		"obj.method",
		"a.b.c",
		"this.run",
		"(...).json",
		"fetch",
		NameAnonymous,
	}, names(plan))
}

func TestExtract_ThisAndSuperNamePaths(t *testing.T) {
	plan := extract(t, `
class Child extends Base {
  start() {
    super.start();
    this.handlers.flush();
  }
}
`)
	assert.Equal(t, []string{"super.start", "this.handlers.flush"}, names(plan))
}

func TestExtract_OrdinaryCallInheritsContext(t *testing.T) {
	plan := extract(t, `setTimeout(() => { outer(inner()); }, 0);`)
	require.Len(t, plan, 3)
	for _, task := range plan[1:] {
		assert.Equal(t, RunContextAsyncCallback, task.RunContext)
		assert.Equal(t, "async-1", task.ParentID)
	}
	assert.Equal(t, []string{ArgExpression}, plan[1].Args)
}

func TestExtract_ArgumentRendering(t *testing.T) {
	plan := extract(t, "log('A', \"B\", 42, x, () => {}, a + b, true, null, `t`);")
	require.Len(t, plan, 1)
	assert.Equal(t, []string{`"A"`, `"B"`, "42", "x", ArgFunction, ArgExpression, "true", "null", "`t`"}, plan[0].Args)
}

func TestExtract_CustomPrimitives(t *testing.T) {
	primitives := DefaultPrimitives()
	primitives.TimerFunctions = append(primitives.TimerFunctions, "setImmediate")

	plan := extract(t, `setImmediate(() => later());`, WithPrimitives(primitives))
	require.Len(t, plan, 2)
	assert.Equal(t, CategoryMacroTask, plan[0].Category)

	plain := extract(t, `setImmediate(() => later());`)
	assert.Equal(t, CategoryCallStack, plain[0].Category)
	assert.Equal(t, RunContextMain, plain[1].RunContext)
}

func TestExtract_IDPrefix(t *testing.T) {
	plan := extract(t, `setTimeout(() => {}, 0);`, WithIDPrefix("t"))
	require.Len(t, plan, 1)
	assert.Equal(t, "t1", plan[0].ID)
}

func TestExtract_Deterministic(t *testing.T) {
	source := `
console.log('start');
setTimeout(() => console.log('timeout'), 0);
Promise.resolve().then(() => console.log('then'));
process.nextTick(() => console.log('tick'));
async function main() { await step(); console.log('after'); }
main();
`
	first := extract(t, source)
	second := extract(t, source)
	assert.Equal(t, first, second)
}

func TestExtract_ConcurrentExtractionsDoNotShareCounters(t *testing.T) {
	extractor := NewExtractor()
	source := `setTimeout(() => {}, 0); setTimeout(() => {}, 0);`

	var wg sync.WaitGroup
	results := make([]Plan, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tree, err := ast.NewParser().Parse(context.Background(), []byte(source))
			if err != nil {
				return
			}
			defer tree.Close()
			results[i] = extractor.Extract(context.Background(), tree)
		}(i)
	}
	wg.Wait()

	for i, plan := range results {
		require.Len(t, plan, 2, "result %d", i)
		assert.Equal(t, "async-1", plan[0].ID)
		assert.Equal(t, "async-2", plan[1].ID)
	}
}

func TestExtract_CanceledContextReturnsValidPrefix(t *testing.T) {
	source := strings.Repeat("f();\n", 50)
	tree := parseSource(t, source)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	plan := NewExtractor().Extract(ctx, tree)
	assert.Less(t, len(plan), 50)
	assert.NoError(t, plan.Validate())
}

func TestExtract_NilTree(t *testing.T) {
	plan := NewExtractor().Extract(context.Background(), nil)
	assert.NotNil(t, plan)
	assert.Empty(t, plan)
}

func TestExtract_EveryParentIsAnEarlierTrigger(t *testing.T) {
	plan := extract(t, `
async function pipeline() {
  setTimeout(() => {
    Promise.resolve().then(() => process.nextTick(() => log('deep')));
  }, 5);
  await Promise.all([a(), b()]);
  log('after');
}
pipeline();
`)

	index := make(map[string]int)
	for i, task := range plan {
		if task.ParentID != "" {
			parentIdx, ok := index[task.ParentID]
			require.True(t, ok, "task %d (%s) has dangling parent %s", i, task.Name, task.ParentID)
			assert.True(t, plan[parentIdx].IsTrigger())
			assert.Less(t, parentIdx, i)
		}
		if task.ID != "" {
			index[task.ID] = i
		}
	}
}
