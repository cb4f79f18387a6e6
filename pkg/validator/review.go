package validator

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"hive/pkg/protocol"
)

type reviewOpts struct {
	JobTitle       string
	JobDescription string
	BaseBranch     string
	ProjectRoot    string // for CLAUDE.md and .claude/rules/
	Diff           string
}

// buildReviewPrompt assembles the review prompt from the job, the project's
// own standards files and the diff under review.
func buildReviewPrompt(opts reviewOpts) string {
	base := opts.BaseBranch
	if base == "" {
		base = "main"
	}

	var b strings.Builder
	b.WriteString("You are reviewing a change produced by an autonomous coding agent before it lands on ")
	b.WriteString(base)
	b.WriteString(".\nDo not modify any files. Judge only whether the diff accomplishes the task.\n\n")

	b.WriteString("## Task\n")
	b.WriteString(opts.JobTitle)
	b.WriteString("\n")
	if opts.JobDescription != "" {
		b.WriteString(opts.JobDescription)
		b.WriteString("\n")
	}
	b.WriteString("\n")

	if opts.ProjectRoot != "" {
		if standards := readProjectStandards(opts.ProjectRoot); standards != "" {
			b.WriteString("## Project Standards\n")
			b.WriteString(standards)
			b.WriteString("\n\n")
		}
	}

	b.WriteString("## Diff\n```diff\n")
	b.WriteString(opts.Diff)
	if !strings.HasSuffix(opts.Diff, "\n") {
		b.WriteString("\n")
	}
	b.WriteString("```\n\n")

	b.WriteString("## Output\n")
	b.WriteString("Reply with a single JSON object and nothing else:\n")
	b.WriteString(`{"verdict": "pass" | "fail", "reasoning": "<one paragraph>", "issues": ["<file:line description>", ...]}`)
	b.WriteString("\nFail only for defects that make the change incorrect or incomplete.\n")
	return b.String()
}

// readProjectStandards reads CLAUDE.md and .claude/rules/*.md from the project root.
func readProjectStandards(root string) string {
	var parts []string
	if s := readFileIfExists(filepath.Join(root, "CLAUDE.md")); s != "" {
		parts = append(parts, s)
	}
	rulesDir := filepath.Join(root, ".claude", "rules")
	entries, err := os.ReadDir(rulesDir)
	if err == nil {
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
				continue
			}
			if s := readFileIfExists(filepath.Join(rulesDir, entry.Name())); s != "" {
				parts = append(parts, s)
			}
		}
	}
	return strings.Join(parts, "\n")
}

func readFileIfExists(path string) string {
	//nolint:gosec // path is constructed from trusted project root
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

type reviewReply struct {
	Verdict   *string  `json:"verdict"`
	Reasoning string   `json:"reasoning"`
	Issues    []string `json:"issues"`
}

// parseReview finds the last JSON object in output that carries a verdict.
// "pass" passes, "fail" is a validation failure, anything else is a skip.
func parseReview(output string) (Verdict, error) {
	reply, ok := findVerdict(output)
	if !ok {
		return VerdictSkip, nil
	}
	switch strings.ToLower(strings.TrimSpace(*reply.Verdict)) {
	case "pass":
		return VerdictPass, nil
	case "fail":
		return "", &protocol.ValidationError{
			Reason:    protocol.ReasonValidationFailed,
			Reasoning: reply.Reasoning,
			Issues:    reply.Issues,
		}
	default:
		return VerdictSkip, nil
	}
}

func findVerdict(output string) (reviewReply, bool) {
	var (
		found reviewReply
		ok    bool
	)
	for i := 0; i < len(output); i++ {
		if output[i] != '{' {
			continue
		}
		var r reviewReply
		dec := json.NewDecoder(strings.NewReader(output[i:]))
		if err := dec.Decode(&r); err != nil || r.Verdict == nil {
			continue
		}
		found, ok = r, true
		i += int(dec.InputOffset()) - 1
	}
	return found, ok
}

