package recording

import (
	"fmt"
	"strings"
)

// InProgressError rejects an operation that collides with recording
// work already in flight. Kind says what was attempted; Serials lists
// the devices that are busy.
type InProgressError struct {
	Kind    string
	Serials []string
}

func (e *InProgressError) Error() string {
	list := strings.Join(e.Serials, ", ")
	switch e.Kind {
	case "start":
		return fmt.Sprintf("a recording start is already in progress (%s)", list)
	case "stop":
		return fmt.Sprintf("a recording stop is already in progress (%s)", list)
	default:
		return fmt.Sprintf("recording already active on %s", list)
	}
}

// Is matches any *InProgressError, or one with the same Kind when the
// target sets it.
func (e *InProgressError) Is(target error) bool {
	t, ok := target.(*InProgressError)
	if !ok {
		return false
	}
	return t.Kind == "" || t.Kind == e.Kind
}
