package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/BaSui01/queryflow/kb"
	"github.com/BaSui01/queryflow/types"
)

// validationFeedbackSection renders the last validator verdict for
// inclusion in a retry prompt, so the model knows what to fix.
func validationFeedbackSection(s *types.State) string {
	fb := s.ValidationFeedback
	if fb == nil || fb.OverallValid {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n**PREVIOUS ATTEMPT FAILED VALIDATION:**\n")
	fmt.Fprintf(&b, "- Reason (%s): %s\n", fb.ReasonCode, fb.Reason)
	for _, issue := range fb.Issues {
		fmt.Fprintf(&b, "- Issue: %s\n", issue.Description)
	}
	for _, sg := range fb.Suggestions {
		fmt.Fprintf(&b, "- Suggestion: %s\n", sg)
	}
	b.WriteString("Address this feedback in your new answer.\n")
	return b.String()
}

// humanFeedbackSection renders prior reviewer guidance for a re-run of an
// identification stage after a rejection.
func humanFeedbackSection(s *types.State, subject string) string {
	if s.HumanFeedback == "" || s.HumanFeedback == "no_items" {
		return ""
	}
	return fmt.Sprintf("\n**REVIEWER FEEDBACK ON PREVIOUS %s SELECTION:**\n%s\nTake this into account.\n",
		strings.ToUpper(subject), s.HumanFeedback)
}

// catalogOverview renders the database catalog (name, description, table
// list) as prompt context.
func catalogOverview(ctx context.Context, retriever kb.Retriever) (string, error) {
	databases, err := retriever.ListDatabases(ctx)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, db := range databases {
		tables, err := retriever.ListTables(ctx, db)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "Database: %s\n", db)
		for _, t := range tables {
			if t.Description != "" {
				fmt.Fprintf(&b, "  - %s: %s\n", t.Table, t.Description)
			} else {
				fmt.Fprintf(&b, "  - %s\n", t.Table)
			}
		}
	}
	return b.String(), nil
}

// schemaContextSection renders the assembled schema context as prompt
// context for the planner and generator.
func schemaContextSection(s *types.State) string {
	if len(s.SchemaContext) == 0 {
		return "(no schema context available)"
	}
	data, err := json.MarshalIndent(s.SchemaContext, "", "  ")
	if err != nil {
		return "(no schema context available)"
	}
	return string(data)
}

// planSection renders the planner's step list for the generator prompt.
func planSection(s *types.State) string {
	if len(s.QueryPlan) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n**QUERY PLAN:**\n")
	for i, step := range s.QueryPlan {
		fmt.Fprintf(&b, "%d. %s\n", i+1, step)
	}
	return b.String()
}

// splitTableRef splits "database.table" into its parts. The bool is false
// when no database prefix is present.
func splitTableRef(ref string) (database, table string, ok bool) {
	database, table, ok = strings.Cut(ref, ".")
	if !ok {
		return "", ref, false
	}
	return database, table, true
}
