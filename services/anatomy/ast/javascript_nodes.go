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

// JavaScript Tree-sitter Node Types
//
// Node type names produced by tree-sitter-javascript that the flow extractor
// and the tree serializer inspect. The extractor walks nodes directly rather
// than through tree-sitter's query language.
//
// Reference: https://github.com/tree-sitter/tree-sitter-javascript
const (
	// Top-level nodes
	NodeProgram = "program"

	// Statement nodes
	NodeExpressionStatement = "expression_statement"
	NodeStatementBlock      = "statement_block"
	NodeComment             = "comment"

	// Expression nodes
	NodeCallExpression   = "call_expression"
	NodeMemberExpression = "member_expression"
	NodeAwaitExpression  = "await_expression"
	NodeArguments        = "arguments"
	NodeParenthesized    = "parenthesized_expression"

	// Function literal nodes. Older grammar releases emit "function" for
	// function expressions, newer ones "function_expression".
	NodeArrowFunction       = "arrow_function"
	NodeFunction            = "function"
	NodeFunctionExpression  = "function_expression"
	NodeFunctionDeclaration = "function_declaration"
	NodeGeneratorFunction   = "generator_function"
	NodeGeneratorFuncDecl   = "generator_function_declaration"

	// Identifier nodes
	NodeIdentifier         = "identifier"
	NodePropertyIdentifier = "property_identifier"
	NodeThis               = "this"
	NodeSuper              = "super"

	// Literal nodes
	NodeString         = "string"
	NodeStringFragment = "string_fragment"
	NodeTemplateString = "template_string"
	NodeNumber         = "number"
	NodeTrue           = "true"
	NodeFalse          = "false"
	NodeNull           = "null"
	NodeUndefined      = "undefined"

	// Error recovery
	NodeError = "ERROR"
)

// Field names used with ChildByFieldName.
const (
	FieldFunction  = "function"
	FieldArguments = "arguments"
	FieldObject    = "object"
	FieldProperty  = "property"
	FieldBody      = "body"
)

// JavaScript AST Structure Reference (the shapes the extractor matches)
//
// expression_statement
// └── call_expression
//     ├── function: identifier                  // setTimeout(...)
//     │   | member_expression                   // process.nextTick(...), p.then(...)
//     │   │   ├── object: <expression>
//     │   │   └── property: property_identifier
//     └── arguments
//         ├── arrow_function | function_expression
//         └── <expression>*
//
// expression_statement
// └── await_expression                          // await P();
//     └── <expression>

// IsFunctionLiteral reports whether a node type is an arrow function or a
// function expression/declaration.
func IsFunctionLiteral(nodeType string) bool {
	switch nodeType {
	case NodeArrowFunction, NodeFunction, NodeFunctionExpression,
		NodeFunctionDeclaration, NodeGeneratorFunction, NodeGeneratorFuncDecl:
		return true
	default:
		return false
	}
}

// IsStatementList reports whether a node holds an ordered list of statements
// whose later siblings can become the continuation of an await.
func IsStatementList(nodeType string) bool {
	return nodeType == NodeProgram || nodeType == NodeStatementBlock
}
