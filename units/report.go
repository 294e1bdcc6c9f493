package units

import (
	"fmt"
	"strings"

	"github.com/rust-lang/rust-log-analyzer/analysis"
	"github.com/rust-lang/rust-log-analyzer/ci"
)

// GitHub rejects comment bodies over 65536 characters; stay well below so
// the framing around the blocks always fits.
const maxCommentLength = 60000

const truncationNotice = "*(some lines were omitted to keep the comment within GitHub's size limit)*"

// renderComment builds the markdown body posted on the failing pull
// request: a heading naming the failed job, the extracted blocks inside a
// collapsed details section, and the job's documentation link when the log
// advertised one.
func renderComment(cij ci.Job, vars analysis.LogVariables, blocks []analysis.Block) string {
	jobName := vars.JobName
	if jobName == "" {
		jobName = cij.Name()
	}

	var out strings.Builder
	if cij.HTMLURL() != "" {
		fmt.Fprintf(&out, "The job **`%s`** failed! Check out the [build log](%s).\n\n", jobName, cij.HTMLURL())
	} else {
		fmt.Fprintf(&out, "The job **`%s`** failed!\n\n", jobName)
	}
	if vars.DocURL != "" {
		fmt.Fprintf(&out, "If you need help with the failure, see [the documentation](%s).\n\n", vars.DocURL)
	}

	out.WriteString("<details><summary><i>Click to see the possible cause of the failure (guessed by this bot)</i></summary>\n\n")

	budget := maxCommentLength - out.Len() - len("</details>\n") - len(truncationNotice) - len("```\n\n") - 2
	truncated := false
	for i, block := range blocks {
		if out.Len()+len("\n```plain\n```\n") > budget {
			truncated = true
			break
		}
		if i > 0 {
			out.WriteString("\n")
		}
		out.WriteString("```plain\n")
		for _, line := range block {
			text := string(line.Sanitized())
			if out.Len()+len(text)+1 > budget {
				truncated = true
				break
			}
			out.WriteString(text)
			out.WriteString("\n")
		}
		out.WriteString("```\n")
		if truncated {
			break
		}
	}

	if truncated {
		out.WriteString("\n")
		out.WriteString(truncationNotice)
		out.WriteString("\n")
	}
	out.WriteString("\n</details>\n")

	return out.String()
}
