package domain

import "fmt"

// Severity is the fixed risk ordering used to aggregate scores. A piece's
// effective classification is the maximum severity across its scores.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = [...]string{"low", "medium", "high", "critical"}

func (s Severity) String() string {
	if s < SeverityLow || s > SeverityCritical {
		return "low"
	}
	return severityNames[s]
}

// ParseSeverity maps a category name to its rank.
func ParseSeverity(name string) (Severity, error) {
	for i, n := range severityNames {
		if n == name {
			return Severity(i), nil
		}
	}
	return SeverityLow, fmt.Errorf("unknown severity %q", name)
}

// MaxSeverity resolves the effective category across score categories. Unknown
// names rank as low so a malformed scorer cannot mask a real finding.
func MaxSeverity(categories []string) Severity {
	max := SeverityLow
	for _, c := range categories {
		s, err := ParseSeverity(c)
		if err != nil {
			continue
		}
		if s > max {
			max = s
		}
	}
	return max
}
