package reservation

import (
	"fmt"
	"strconv"
	"strings"
)

// FormatStrongID renders the external reference, e.g. APT-2025-000042.
func FormatStrongID(prefix string, year int, id int64) string {
	return fmt.Sprintf("%s-%d-%06d", prefix, year, id)
}

// Ref is a parsed reservation reference: either an internal id or a strong id.
type Ref struct {
	ID       int64
	StrongID string
}

// ParseRef accepts "42" or "APT-2025-000042" (case-insensitive prefix).
func ParseRef(prefix, raw string) (Ref, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Ref{}, false
	}
	if strings.HasPrefix(strings.ToUpper(raw), strings.ToUpper(prefix)+"-") {
		return Ref{StrongID: strings.ToUpper(raw)}, true
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return Ref{}, false
	}
	return Ref{ID: id}, true
}
