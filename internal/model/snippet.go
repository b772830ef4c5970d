// Package model defines the data structures used throughout the application.
// In Go, we use structs to represent our data. The `json:"..."` tags control
// how each field is named when the struct is encoded to JSON.
package model

import (
	"time"

	"github.com/sakif/code-runner/internal/protocol"
)

// Snippet is a saved piece of code that can be run again later.
type Snippet struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Language    protocol.Language `json:"language"`
	Code        string            `json:"code"`
	Description string            `json:"description"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}
