package saga

import (
	"regexp"
	"strings"
)

const defaultKeyTemplate = "{saga_id}/{milestone}"

var placeholderPattern = regexp.MustCompile(`\{[a-z_]+\}`)

var knownPlaceholders = map[string]bool{
	"{saga_id}":   true,
	"{milestone}": true,
	"{entity_id}": true,
	"{saga_type}": true,
}

func checkKeyTemplate(tpl string) []string {
	var problems []string
	for _, ph := range placeholderPattern.FindAllString(tpl, -1) {
		if !knownPlaceholders[ph] {
			problems = append(problems, "unknown placeholder "+ph)
		}
	}
	if !strings.Contains(tpl, "{saga_id}") {
		problems = append(problems, "missing {saga_id}")
	}
	if !strings.Contains(tpl, "{milestone}") {
		problems = append(problems, "missing {milestone}")
	}
	return problems
}

// RenderKey expands an idempotency key template.
func RenderKey(tpl, sagaID, sagaType, entityID, milestone string) string {
	if strings.TrimSpace(tpl) == "" {
		tpl = defaultKeyTemplate
	}
	return strings.NewReplacer(
		"{saga_id}", sagaID,
		"{saga_type}", sagaType,
		"{entity_id}", entityID,
		"{milestone}", milestone,
	).Replace(tpl)
}
