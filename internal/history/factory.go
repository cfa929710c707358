package history

import (
	"errors"
	"fmt"
	"strings"
)

// SupportedDrivers lists the history drivers accepted in configuration.
var SupportedDrivers = []string{"bbolt", "json"}

// NewStore opens the history for driver at path. Both drivers are safe for
// the agent and its jobds to share: bbolt opens the file per transaction and
// json takes an advisory lock around each read-modify-write.
func NewStore(driver, path string) (Store, error) {
	if path == "" {
		return nil, errors.New("history path is required")
	}
	switch d := strings.ToLower(strings.TrimSpace(driver)); d {
	case "bbolt":
		return NewBoltStore(path)
	case "json":
		return NewJSONStore(path)
	default:
		return nil, fmt.Errorf("unknown history driver %q, want one of %s", d, strings.Join(SupportedDrivers, ", "))
	}
}
