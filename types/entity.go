// Package types holds the value types shared by unitledger records.
package types

import "time"

// Entity is embedded by every stored aggregate.
type Entity struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Version is incremented by the store on every successful save and is
	// the expected value passed back to the store's compare-and-swap.
	Version int64 `json:"version"`
}

// Touch stamps UpdatedAt, and CreatedAt on first save.
func (e *Entity) Touch(now time.Time) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
}
