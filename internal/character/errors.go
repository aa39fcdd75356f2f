package character

import "fmt"

// ValidationError reports the first field of an event that failed a
// format or range check. The event is rejected; nothing was mutated.
type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s", e.Field)
}

// NotFoundError reports an update or ping for an id with no live character.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("character %s not found", e.ID)
}

func invalid(field string) error {
	return &ValidationError{Field: field}
}
