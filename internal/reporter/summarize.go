package reporter

import "fmt"

// summaryKeys are probed in order; the first string-valued match labels the
// tool call.
var summaryKeys = []string{"path", "command", "query", "task", "url", "text"}

// summarizeTool reduces a tool invocation to one short label, e.g.
// "read path=/tmp/module.py".
func summarizeTool(name string, args map[string]any) string {
	for _, key := range summaryKeys {
		value, ok := args[key].(string)
		if !ok || value == "" {
			continue
		}
		return fmt.Sprintf("%s %s=%s", name, key, truncate(value, 180))
	}
	return name
}
