package orders

import (
	"fmt"
	"strings"
	"time"
)

// FormatNote renders one audit line for the processing notes column.
func FormatNote(at time.Time, format string, args ...any) string {
	msg := strings.TrimSpace(fmt.Sprintf(format, args...))
	msg = strings.ReplaceAll(msg, "\n", " ")
	return fmt.Sprintf("[%s] %s\n", at.UTC().Format(time.RFC3339), msg)
}
