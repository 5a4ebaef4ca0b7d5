package repositories

import "fmt"

// ErrNotFound is returned when a lookup matches nothing.
type ErrNotFound struct {
	Resource string
	Key      string
}

func (e *ErrNotFound) Error() string {
	if e.Resource == "" {
		return "not found"
	}
	return fmt.Sprintf("%s %s not found", e.Resource, e.Key)
}

func IsNotFound(err error) bool {
	_, ok := err.(*ErrNotFound)
	return ok
}
