package budget

import "errors"

// errNoProvider is returned when no forecast provider is configured.
var errNoProvider = errors.New("no forecast provider configured")
