package domain

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// DerivedID mints a synthetic id for a problem derived from parentID.
// The parent prefix keeps derived rows greppable next to their origin.
func DerivedID(parentID string) string {
	return fmt.Sprintf("%s-Derived-%s", parentID, uuid.NewString())
}

// IsDerivedID reports whether id was minted by DerivedID.
func IsDerivedID(id string) bool {
	return strings.Contains(id, "-Derived-")
}

// ParentOfDerived returns the originating post id for a derived id,
// or the id itself when it is not derived.
func ParentOfDerived(id string) string {
	if i := strings.Index(id, "-Derived-"); i >= 0 {
		return id[:i]
	}
	return id
}
