package stages

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/queryflow/types"
	"github.com/BaSui01/queryflow/workflow"
)

const validatorSystemPrompt = `You are a meticulous query reviewer. Judge whether the generated query below correctly and completely answers the user's question using the schema context.

**SCHEMA CONTEXT:**
%s

**GENERATED QUERY (%s):**
%s

Explanation from the generator: %s

Classify the outcome with one reason code:
- accepted: the query is correct
- accepted_with_minor_issues: correct, with cosmetic issues only
- schema_missing: needed tables or columns are absent from the schema context
- sql_generation_issue: the query itself is wrong (syntax, logic, wrong columns)
- insufficient_data: the schema cannot answer the question at all
- query_scope_issue: wrong databases were selected for the question
- data_type_mismatch: comparisons or functions applied to incompatible types
- join_relationship_error: tables joined on wrong or missing keys
- unknown: none of the above fits

Respond with ONLY a JSON object:
{"verdict": "YES|NO", "reason": "<one sentence>", "reason_code": "<code>", "issues": [{"description": "<issue>", "severity": "low|medium|high"}], "suggestions": ["<how to fix>"]}`

type validatorResponse struct {
	Verdict     string                  `json:"verdict"`
	Reason      string                  `json:"reason"`
	ReasonCode  types.ReasonCode        `json:"reason_code"`
	Issues      []types.ValidationIssue `json:"issues"`
	Suggestions []string                `json:"suggestions"`
}

// QueryValidatorStage judges the generated query. An invalid verdict is
// still a successful stage execution; the verdict drives routing, not the
// stage retry path.
type QueryValidatorStage struct {
	model  Model
	logger *zap.Logger
}

// NewQueryValidatorStage creates the validation stage.
func NewQueryValidatorStage(model Model, logger *zap.Logger) *QueryValidatorStage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QueryValidatorStage{model: model, logger: logger.With(zap.String("stage", "query_validator"))}
}

func (s *QueryValidatorStage) ID() types.StageID { return types.StageQueryValidator }

func (s *QueryValidatorStage) Process(ctx context.Context, state *types.State) workflow.StageResult {
	if state.GeneratedQuery == nil {
		return workflow.Fail("no generated query to validate")
	}

	system := fmt.Sprintf(validatorSystemPrompt,
		schemaContextSection(state),
		state.GeneratedQuery.QueryType,
		state.GeneratedQuery.Query,
		state.GeneratedQuery.Explanation)

	text, err := s.model.Complete(ctx, Prompt{System: system, User: state.Query, Temperature: 0})
	if err != nil {
		return workflow.Fail("query validation failed: " + err.Error())
	}

	var resp validatorResponse
	if err := decodeJSON(text, &resp); err != nil {
		return workflow.Fail("unparseable validation verdict: " + err.Error())
	}

	valid := resp.Verdict == "YES"
	code := normalizeReasonCode(resp.ReasonCode, valid)
	if valid && resp.Reason == "" {
		resp.Reason = "query validated successfully"
	}

	fb := &types.ValidationFeedback{
		OverallValid: valid,
		ReasonCode:   code,
		Reason:       resp.Reason,
		Issues:       resp.Issues,
		Suggestions:  resp.Suggestions,
		History: []types.ValidationRecord{{
			ReasonCode: code,
			Reason:     resp.Reason,
			At:         time.Now().UTC(),
		}},
	}
	if !valid {
		fb.Suggestions = append(fb.Suggestions, "Regenerate query based on user intent")
	}

	s.logger.Info("query validated",
		zap.Bool("valid", valid),
		zap.String("reason_code", string(code)),
	)
	return workflow.Succeed("query validation completed", &types.StateDelta{
		IsQueryValid:       types.Bool(valid),
		ValidationFeedback: fb,
	})
}

// normalizeReasonCode maps anything outside the known vocabulary to
// unknown, and fills in accepted when a passing verdict carries no code.
func normalizeReasonCode(code types.ReasonCode, valid bool) types.ReasonCode {
	switch code {
	case types.ReasonAccepted, types.ReasonAcceptedMinorIssues,
		types.ReasonSchemaMissing, types.ReasonSQLGenerationIssue,
		types.ReasonInsufficientData, types.ReasonQueryScopeIssue,
		types.ReasonDataTypeMismatch, types.ReasonJoinRelationshipError:
		return code
	}
	if valid {
		return types.ReasonAccepted
	}
	return types.ReasonUnknown
}

var _ workflow.Stage = (*QueryValidatorStage)(nil)
