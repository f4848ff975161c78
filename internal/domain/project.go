package domain

import "time"

// Project mirrors the registry's project metadata payload. Projects are
// registered with the external registry service; the ratings store only
// ever sees their numeric identifiers.
type Project struct {
	ProjectID    uint64
	Name         string
	URL          *string
	Owner        *string
	RegisteredAt time.Time
}
