// Package model contains simple struct definitions shared across packages.
package model

import (
	"time"
)

// StoredFile describes a file committed under the shared root. The service
// keeps no reference to it once the request has been answered.
type StoredFile struct {
	Name string `json:"name"`
	// Path is the absolute location under the shared root.
	Path     string    `json:"-"`
	Size     int64     `json:"size"`
	SHA256   string    `json:"sha256"`
	SyncedAt time.Time `json:"syncedAt"`
}
