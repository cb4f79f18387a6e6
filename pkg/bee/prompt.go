package bee

import (
	"fmt"
	"strings"

	"hive/pkg/protocol"
)

// PromptParams contains the inputs for a bee's agent prompt.
type PromptParams struct {
	Job    protocol.Job
	Comb   protocol.Comb
	Cell   protocol.Cell
	Resume bool // continuing a paused bee
}

// section writes a markdown section (## header + body) to the builder.
func section(b *strings.Builder, header, body string) {
	fmt.Fprintf(b, "## %s\n\n%s\n\n", header, body)
}

// BuildPrompt assembles the prompt passed to the headless agent.
func BuildPrompt(p PromptParams) string {
	var b strings.Builder

	section(&b, "Role", "You are a hive bee. You complete exactly one job in an isolated git worktree, then exit.")

	jobBody := fmt.Sprintf("- **ID:** %s\n- **Title:** %s", p.Job.ID, p.Job.Title)
	if p.Job.Description != "" {
		jobBody += "\n- **Description:** " + p.Job.Description
	}
	section(&b, "Job", jobBody)

	if p.Resume {
		section(&b, "Resume", "This job was paused part-way through. Inspect `git status` and `git log` to see what is already done, then continue from there. Do not start over.")
	}

	base := p.Comb.BaseBranch
	if base == "" {
		base = "main"
	}
	section(&b, "Worktree", fmt.Sprintf(
		"You are in `%s` on branch `%s`, created from `%s`. Commit your work to this branch.",
		p.Cell.Path, p.Cell.Branch, base,
	))
	if p.Comb.ValidationCommand != "" {
		section(&b, "Validation", fmt.Sprintf("Your work will be checked with `%s`. Run it yourself before you finish.", p.Comb.ValidationCommand))
	}
	section(&b, "Constraints", strings.Join([]string{
		"- Do not git push",
		"- Do not modify files outside your worktree",
		"- Do not switch branches or modify " + base,
		"- Use new commits only; no amend or rebase",
	}, "\n"))

	b.WriteString("## Exit\n\n")
	b.WriteString("When the job is complete and committed, exit. Uncommitted changes are committed for you.\n")
	return b.String()
}
