package util

import (
	"fmt"
	"hash/fnv"
)

// ShortID reduces a participant identity to an 8 hex digit tag for log lines.
// The tag is for display only and may collide.
func ShortID(id string) string {
	if id == "" {
		return "--------"
	}
	h := fnv.New32a()
	h.Write([]byte(id))
	return fmt.Sprintf("%08x", h.Sum32())
}
