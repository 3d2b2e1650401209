// Package middleware holds reusable processor middleware. Each constructor
// returns a runnel.Middleware; pass them to runnel.WithMiddleware.
package middleware

import (
	"context"

	"github.com/rzbill/runnel/pkg/runnel"
)

// hooked wraps an iterator with per-record callbacks.
type hooked struct {
	runnel.Iterator
	// accept reports whether the record should reach the handler.
	accept func(runnel.Entry) bool
	// onRecord runs when the handler receives a record.
	onRecord func(runnel.Entry)
}

func (h *hooked) Next(ctx context.Context) bool {
	for h.Iterator.Next(ctx) {
		if h.pass() {
			return true
		}
	}
	return false
}

func (h *hooked) TryNext() bool {
	for h.Iterator.TryNext() {
		if h.pass() {
			return true
		}
	}
	return false
}

func (h *hooked) pass() bool {
	e := h.Iterator.Entry()
	if h.accept != nil && !h.accept(e) {
		return false
	}
	if h.onRecord != nil {
		h.onRecord(e)
	}
	return true
}
