// Package prompt defines the stored prompt template entity.
package prompt

import "time"

// Template is a versioned prompt body for one step kind. The bridge
// records which version produced a dispatch so outcomes can be compared
// across template revisions.
type Template struct {
	Kind      string    `json:"kind"`
	Version   int       `json:"version"`
	Body      string    `json:"body"`
	UpdatedAt time.Time `json:"updated_at"`
}
