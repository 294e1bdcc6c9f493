package analysis

import "bytes"

// Well-known variables that CI jobs print into their logs as
// "[NAME=value]" lines so the analyzer can recover metadata the CI API
// does not expose.
const (
	jobNameVariable   = "CI_JOB_NAME"
	prNumberVariable  = "CI_PR_NUMBER"
	jobDocURLVariable = "CI_JOB_DOC_URL"
)

// LogVariables holds the metadata recovered from a log's sanitized lines.
// Missing variables are empty strings.
type LogVariables struct {
	JobName  string
	PRNumber string
	DocURL   string
}

// ExtractLogVariables scans the lines for the well-known variables,
// stopping early once all are found.
func ExtractLogVariables(lines []Line) LogVariables {
	var vars LogVariables
	for _, line := range lines {
		sanitized := line.Sanitized()

		if vars.JobName == "" {
			vars.JobName = extractVariable(sanitized, jobNameVariable)
		}
		if vars.PRNumber == "" {
			vars.PRNumber = extractVariable(sanitized, prNumberVariable)
		}
		if vars.DocURL == "" {
			vars.DocURL = extractVariable(sanitized, jobDocURLVariable)
		}

		if vars.JobName != "" && vars.PRNumber != "" && vars.DocURL != "" {
			break
		}
	}
	return vars
}

// extractVariable pulls the value out of a line shaped exactly like
// "[name=value]", or returns "".
func extractVariable(line []byte, name string) string {
	if len(line) < 2 || line[0] != '[' || line[len(line)-1] != ']' {
		return ""
	}

	equals := bytes.IndexByte(line, '=')
	if equals < 0 || !bytes.Equal(line[1:equals], []byte(name)) {
		return ""
	}
	return string(line[equals+1 : len(line)-1])
}
