package notify

import (
	"strings"

	"github.com/mara-data/dataflow/internal/events"
)

// formatOutput renders a node's buffered Output events into one room's
// markup: consecutive FormatVerbatim lines are merged into a single fenced
// code block (codeStart/codeEnd), FormatItalics lines are rendered one by
// one via italic, and anything else is appended as plain text.
func formatOutput(outputs []events.Output, codeStart, codeEnd string, italic func(line string) string) string {
	var out strings.Builder
	lastFormat := events.OutputFormat("")

	for _, ev := range outputs {
		switch ev.Format {
		case events.FormatVerbatim:
			if lastFormat == events.FormatVerbatim {
				s := out.String()
				out.Reset()
				out.WriteString(strings.TrimSuffix(s, codeEnd))
				out.WriteString("\n" + ev.Message + codeEnd)
			} else {
				out.WriteString("\n" + codeStart + ev.Message + codeEnd)
			}
		case events.FormatItalics:
			for _, line := range strings.Split(ev.Message, "\n") {
				out.WriteString(italic(line))
			}
		default:
			out.WriteString("\n" + ev.Message)
		}
		lastFormat = ev.Format
	}
	return out.String()
}
