// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.


package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/donotdothat-lab/node-anatomy/services/anatomy"
	"github.com/donotdothat-lab/node-anatomy/services/anatomy/config"
)

func TestNewRouter(t *testing.T) {
	cfg := config.Default()
	router := newRouter(cfg, anatomy.NewService(cfg))

	tests := []struct {
		path string
		want int
	}{
		{"/v1/anatomy/health", http.StatusOK},
		{"/v1/anatomy/ready", http.StatusOK},
		{"/metrics", http.StatusOK},
		{"/v1/anatomy/plans", http.StatusServiceUnavailable},
		{"/nope", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			router.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}
