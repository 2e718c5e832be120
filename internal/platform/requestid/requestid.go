package requestid

import "github.com/google/uuid"

// New returns a random (v4) UUID string.
func New() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
