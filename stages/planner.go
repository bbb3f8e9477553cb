package stages

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/queryflow/types"
	"github.com/BaSui01/queryflow/workflow"
)

const plannerSystemPrompt = `You are a senior query planner. Given the user's question and the schema context below, assess whether the schema can answer the question and lay out the logical steps a query must take (filters, joins, aggregation, ordering).

**SCHEMA CONTEXT:**
%s
%s
Respond with ONLY a JSON object:
{"schema_assessment": "<can the schema answer the question, and how>", "plan": ["step 1", "step 2"]}`

type plannerResponse struct {
	SchemaAssessment string   `json:"schema_assessment"`
	Plan             []string `json:"plan"`
}

// QueryPlannerStage turns the question plus schema context into an
// ordered list of logical steps for the generator to follow.
type QueryPlannerStage struct {
	model  Model
	logger *zap.Logger
}

// NewQueryPlannerStage creates the planning stage.
func NewQueryPlannerStage(model Model, logger *zap.Logger) *QueryPlannerStage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QueryPlannerStage{model: model, logger: logger.With(zap.String("stage", "query_planner"))}
}

func (s *QueryPlannerStage) ID() types.StageID { return types.StageQueryPlanner }

func (s *QueryPlannerStage) Process(ctx context.Context, state *types.State) workflow.StageResult {
	if len(state.SchemaContext) == 0 {
		return workflow.Fail("no schema context available; cannot plan the query")
	}

	system := fmt.Sprintf(plannerSystemPrompt,
		schemaContextSection(state),
		validationFeedbackSection(state))

	text, err := s.model.Complete(ctx, Prompt{System: system, User: state.Query, Temperature: 0.2})
	if err != nil {
		return workflow.Fail("query planning failed: " + err.Error())
	}

	var resp plannerResponse
	if err := decodeJSON(text, &resp); err != nil {
		return workflow.Fail("unparseable query plan: " + err.Error())
	}
	if len(resp.Plan) == 0 {
		return workflow.Fail("planner produced an empty plan")
	}

	s.logger.Info("query planned", zap.Int("steps", len(resp.Plan)))
	return workflow.Succeed("query plan produced", &types.StateDelta{
		QueryPlan: resp.Plan,
	})
}

var _ workflow.Stage = (*QueryPlannerStage)(nil)
