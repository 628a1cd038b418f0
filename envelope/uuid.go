package envelope

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// UUIDSize is the wire size of a UUID.
const UUIDSize = 16

// CanonicalUUID validates s and returns its lowercase 8-4-4-4-12 form.
// Input may omit the dashes and may use either case.
func CanonicalUUID(s string) (string, error) {
	s = strings.TrimSpace(s)
	if len(s) != 36 && len(s) != 32 {
		return "", fmt.Errorf("%w: malformed uuid %q", ErrValidation, s)
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("%w: malformed uuid %q", ErrValidation, s)
	}
	return id.String(), nil
}

// IsUUID reports whether s is accepted by CanonicalUUID.
func IsUUID(s string) bool {
	_, err := CanonicalUUID(s)
	return err == nil
}

func uuidToWire(dst []byte, s string) error {
	id, err := uuid.Parse(s)
	if err != nil {
		return fmt.Errorf("%w: malformed uuid %q", ErrValidation, s)
	}
	copy(dst, id[:])
	return nil
}

func wireToUUID(b []byte) string {
	var id uuid.UUID
	copy(id[:], b)
	return id.String()
}
