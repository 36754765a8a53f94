package reconcile

import "github.com/openonco/coverage-cli/internal/model"

// statusPair is an unordered status pair key; normalize() fixes the order so
// each pair appears once in the table.
type statusPair struct {
	a, b model.Status
}

func normalize(a, b model.Status) statusPair {
	if a > b {
		a, b = b, a
	}
	return statusPair{a, b}
}

// severityTable enumerates every distinct status pair exhaustively. Direct
// contradictions (a coverage-affirming status against denies) are high; every
// other disagreement, including anything against unknown, is medium.
var severityTable = map[statusPair]model.Severity{
	normalize(model.StatusSupports, model.StatusDenies):       model.SeverityHigh,
	normalize(model.StatusConditional, model.StatusDenies):    model.SeverityHigh,
	normalize(model.StatusSupports, model.StatusRestricts):    model.SeverityMedium,
	normalize(model.StatusSupports, model.StatusConditional):  model.SeverityMedium,
	normalize(model.StatusSupports, model.StatusUnknown):      model.SeverityMedium,
	normalize(model.StatusRestricts, model.StatusDenies):      model.SeverityMedium,
	normalize(model.StatusRestricts, model.StatusConditional): model.SeverityMedium,
	normalize(model.StatusRestricts, model.StatusUnknown):     model.SeverityMedium,
	normalize(model.StatusDenies, model.StatusUnknown):        model.SeverityMedium,
	normalize(model.StatusConditional, model.StatusUnknown):   model.SeverityMedium,
}

// ClassifySeverity returns the conflict severity for two statuses, and false
// when the statuses agree.
func ClassifySeverity(a, b model.Status) (model.Severity, bool) {
	if a == b {
		return "", false
	}
	sev, ok := severityTable[normalize(a, b)]
	return sev, ok
}
