// Package nl2sql turns natural language questions into candidate Postgres
// queries using an external OpenAI-compatible chat endpoint.
//
// The translator only drafts SQL. Nothing it returns is trusted: every
// candidate goes through sqlguard before execution.
package nl2sql

import "context"

// Request carries one question plus the schema snippets retrieved for it.
type Request struct {
	DB       string   `json:"db"`
	Question string   `json:"question"`
	Snippets []string `json:"snippets"`
}

// Result is the drafted SQL and its provenance.
type Result struct {
	SQL   string `json:"sql"`
	Model string `json:"model"`
}

// Translator drafts SQL for a question.
type Translator interface {
	Translate(ctx context.Context, req Request) (Result, error)
}
