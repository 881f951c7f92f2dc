package playbook

import (
	"strconv"
	"strings"

	"github.com/driftline/exceptionflow/internal/exception"
)

// ResolveParams substitutes exception-context placeholders into a step's
// parameter template. Unknown placeholders are left verbatim so operators
// can spot template mistakes in the emitted events.
func ResolveParams(params map[string]string, exc exception.Exception) map[string]string {
	if len(params) == 0 {
		return nil
	}
	replacer := strings.NewReplacer(
		"{{exception.id}}", exc.ID,
		"{{exception.tenant}}", exc.TenantID,
		"{{exception.domain}}", exc.Domain,
		"{{exception.type}}", exc.Type,
		"{{exception.severity}}", exc.Severity.String(),
		"{{exception.status}}", string(exc.Status),
		"{{exception.stage}}", string(exc.Stage),
		"{{exception.owner}}", exc.Owner,
		"{{exception.playbook}}", exc.PlaybookID,
		"{{exception.step}}", strconv.Itoa(exc.CurrentStep),
	)
	resolved := make(map[string]string, len(params))
	for key, value := range params {
		resolved[key] = replacer.Replace(value)
	}
	return resolved
}
