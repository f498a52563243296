// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.


package anatomy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/donotdothat-lab/node-anatomy/services/anatomy/flow"
	"github.com/donotdothat-lab/node-anatomy/services/anatomy/store"
)

func TestService_Analyze_CacheKeyedByExtractorSettings(t *testing.T) {
	ctx := context.Background()
	plans := newTestStore(t)
	source := []byte("setImmediate(() => a());\n")

	defaults := NewService(testConfig(), WithStore(plans), WithServiceLogger(testLogger()))
	first, err := defaults.Analyze(ctx, source, false)
	require.NoError(t, err)
	require.NotEmpty(t, first.Plan)
	assert.False(t, first.Cached)
	assert.Equal(t, flow.CategoryCallStack, first.Plan[0].Category)

	again, err := defaults.Analyze(ctx, source, false)
	require.NoError(t, err)
	assert.True(t, again.Cached)

	cfg := testConfig()
	cfg.Primitives.TimerFunctions = []string{"setTimeout", "setImmediate"}
	widened := NewService(cfg, WithStore(plans), WithServiceLogger(testLogger()))

	second, err := widened.Analyze(ctx, source, false)
	require.NoError(t, err)
	assert.False(t, second.Cached)
	require.NotEmpty(t, second.Plan)
	assert.Equal(t, flow.CategoryMacroTask, second.Plan[0].Category)
	assert.Equal(t, first.Hash, second.Hash)

	// The entry now belongs to the widened settings.
	third, err := widened.Analyze(ctx, source, false)
	require.NoError(t, err)
	assert.True(t, third.Cached)
	assert.Equal(t, flow.CategoryMacroTask, third.Plan[0].Category)

	back, err := defaults.Analyze(ctx, source, false)
	require.NoError(t, err)
	assert.False(t, back.Cached)
	assert.Equal(t, flow.CategoryCallStack, back.Plan[0].Category)
}

func TestService_Analyze_MaxDepthChangesFingerprint(t *testing.T) {
	cfg := testConfig()
	a := NewService(cfg)

	deeper := testConfig()
	deeper.Parser.MaxDepth = cfg.Parser.MaxDepth + 1
	b := NewService(deeper)

	assert.Equal(t, a.extractor.Fingerprint(), NewService(testConfig()).extractor.Fingerprint())
	assert.NotEqual(t, a.extractor.Fingerprint(), b.extractor.Fingerprint())
}

func TestService_Analyze_IgnoresOtherSchemaVersion(t *testing.T) {
	ctx := context.Background()
	plans := newTestStore(t)
	source := []byte("foo();\n")
	svc := NewService(testConfig(), WithStore(plans), WithServiceLogger(testLogger()))

	stale := flow.Plan{{Category: flow.CategoryCallStack, RunContext: flow.RunContextMain, Name: "stale", Line: 1}}
	_, err := plans.Save(ctx, source, stale, store.WithFingerprint(svc.extractor.Fingerprint()), func(m *store.PlanMetadata) {
		m.SchemaVersion = "0"
	})
	require.NoError(t, err)

	got, err := svc.Analyze(ctx, source, false)
	require.NoError(t, err)
	assert.False(t, got.Cached)
	require.Len(t, got.Plan, 1)
	assert.Equal(t, "foo", got.Plan[0].Name)
}
