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
	"errors"
	"fmt"
)

var (
	// ErrSourceTooLarge is returned when the source exceeds MaxSourceSize.
	ErrSourceTooLarge = errors.New("source exceeds maximum size")

	// ErrInvalidContent is returned when the source is not valid UTF-8.
	ErrInvalidContent = errors.New("source is not valid UTF-8")

	// ErrEmptySource is returned when the source holds only whitespace.
	ErrEmptySource = errors.New("source is empty")
)

// Location is a position in the source text.
//
// Line is 1-based, Column is 0-based (byte offset within the line).
type Location struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// ParseError reports source text that is not syntactically valid.
//
// Description:
//
//	Produced when the tree-sitter parse tree contains an ERROR or MISSING
//	node. Only the first such node in document order is reported. The
//	message is surfaced verbatim to callers; a parse of unchanged text is
//	deterministic, so a ParseError is never retried.
type ParseError struct {
	Message  string   `json:"message"`
	Location Location `json:"location"`
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	return fmt.Sprintf("%s (%d:%d)", e.Message, e.Location.Line, e.Location.Column)
}

// AsParseError extracts a *ParseError from an error chain.
func AsParseError(err error) (*ParseError, bool) {
	var pe *ParseError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
