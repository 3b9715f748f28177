package task

import (
	"fmt"
	"strings"

	"github.com/musher-dev/tether/internal/completion"
)

// ContinuationPrompt nudges an agent that worked with tools but never declared an outcome.
func ContinuationPrompt(completionTool string) string {
	return fmt.Sprintf(
		"You stopped without calling the %[1]s tool. If the task is not finished, continue working on it now. "+
			"If it is finished, re-read the original request, confirm every part is done, and call %[1]s with "+
			"status \"success\", \"partial\" or \"blocked\".",
		completionTool,
	)
}

// VerificationPrompt asks the agent to check its declared outcome before the task ends.
func VerificationPrompt(completionTool string, decl completion.Declaration) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You reported the task as %q", decl.Status)

	if decl.Summary != "" {
		fmt.Fprintf(&b, " with the summary: %s", decl.Summary)
	}

	b.WriteString(".\n\nBefore finishing, verify that claim independently. ")

	if decl.OriginalRequestSummary != "" {
		fmt.Fprintf(&b, "The original request was: %s. ", decl.OriginalRequestSummary)
	}

	if decl.RemainingWork != "" {
		fmt.Fprintf(&b, "You listed remaining work: %s. Finish it if you can. ", decl.RemainingWork)
	}

	fmt.Fprintf(&b, "Check the actual result (files, pages, command output), fix anything that is wrong, "+
		"then call %s again with the verified status.", completionTool)

	return b.String()
}
