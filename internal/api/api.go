package api

import (
	"context"
	"encoding/json"
)

// Page is one page of a paginated endpoint. Items are raw server payloads;
// parsing into records happens downstream so invalid items can be dropped
// individually. Next/Prev are nil when the server exposed no cursor in that
// direction.
type Page struct {
	Items      []json.RawMessage
	Next       FetchFn
	Prev       FetchFn
	TotalCount *int
}

// FetchFn fetches one page. Cursor closures returned in Page.Next/Prev
// satisfy the same contract, so pagination is just calling the stored fn.
type FetchFn func(ctx context.Context) (*Page, error)

// EntityFetchFn fetches a single raw entity payload.
type EntityFetchFn func(ctx context.Context) (json.RawMessage, error)

// MutateFn performs a create/update mutation and returns the resulting
// raw entity payload as confirmed by the server.
type MutateFn func(ctx context.Context) (json.RawMessage, error)

// DeleteFn performs a deletion on the server.
type DeleteFn func(ctx context.Context) error
