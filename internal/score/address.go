package score

import (
	"strings"

	"github.com/sells-group/leadgen/internal/model"
)

// ParseAddress splits a single formatted address into structured parts by
// comma. Heuristic only: three or more parts are read as street, city, and
// "STATE ZIP"; a trailing fourth part is the country; two parts give street
// and city; anything shorter stays unparsed with the original string kept
// on the business.
func ParseAddress(formatted string) model.Address {
	var addr model.Address

	raw := strings.Split(formatted, ",")
	parts := make([]string, 0, len(raw))
	for _, p := range raw {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}

	switch {
	case len(parts) >= 3:
		addr.Street = parts[0]
		addr.City = parts[1]
		addr.State, addr.Zip = splitStateZip(parts[2])
		if len(parts) >= 4 {
			addr.Country = parts[3]
		}
	case len(parts) == 2:
		addr.Street = parts[0]
		addr.City = parts[1]
	}
	return addr
}

// splitStateZip separates "SC 29201" into its state and zip. A lone token
// is taken as the state.
func splitStateZip(s string) (state, zip string) {
	fields := strings.Fields(s)
	switch len(fields) {
	case 0:
		return "", ""
	case 1:
		return fields[0], ""
	default:
		return fields[0], strings.Join(fields[1:], " ")
	}
}
