package ai

import "fmt"

const markdownNote = `Format the answer as markdown: a heading per section, bullet lists for
individual points, fenced code blocks where code is quoted.`

func feedbackPrompt(title, description string) string {
	return fmt.Sprintf(`You are an experienced code reviewer. Review the following pull request and give constructive, specific feedback.

Title: %s
Description: %s

Structure the review as:

1. Summary of changes: main modifications, scope, impact on the system.
2. Technical analysis: code quality, design patterns, performance or security concerns, optimisation ideas.
3. Good practices: what the change does well.
4. Areas for improvement: concrete suggestions and alternatives.
5. Open questions: points the team should clarify.

%s`, title, description, markdownNote)
}

func technicalPrompt(diff string) string {
	return fmt.Sprintf(`You are a senior software architect. Write technical documentation for the following code changes.

%s

Cover:

1. Technical description: architecture, patterns, data and control flow, dependencies.
2. System impact: API or interface changes, performance, scalability.
3. Implementation notes: configuration, rollout steps, required tests.
4. Risks: side effects, security considerations, mitigation.
5. Maintenance: extension points, monitoring, future work.

%s Use Mermaid diagrams and tables where they help.`, diff, markdownNote)
}

func nonTechnicalPrompt(diff string) string {
	return fmt.Sprintf(`You are a business and technology consultant. Write documentation for non-technical stakeholders about the following changes.

%s

Cover:

1. Executive summary: goal of the change and key benefits.
2. Business value: efficiency, cost, new capabilities.
3. User impact: experience changes, new features, adoption.
4. Strategic considerations: alignment, risks, opportunities.
5. Next steps: rollout plan, owners, success metrics.

%s Avoid unnecessary jargon.`, diff, markdownNote)
}
