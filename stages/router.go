package stages

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/queryflow/types"
	"github.com/BaSui01/queryflow/workflow"
)

const routerSystemPrompt = `You are an intelligent query router for a natural-language-to-query system. Classify the user query and identify the target dialect.

**METADATA queries** ask about database structure or schema:
- database discovery ("show databases", "what databases exist?")
- table discovery ("list tables", "what tables are in database X?")
- column information ("what columns are in table X?", "describe table Y")

**DATA queries** ask for actual records or values:
- record retrieval, aggregations, filtering, analysis

Key decision: asking WHAT EXISTS is metadata; asking FOR ACTUAL VALUES is data.

Respond with ONLY a JSON object:
{"is_metadata_query": true|false, "dialect": "sql"}`

type routingResponse struct {
	IsMetadataQuery bool   `json:"is_metadata_query"`
	Dialect         string `json:"dialect"`
}

// RouterStage classifies the incoming question so the engine can branch
// between the metadata answerer and the data pipeline.
type RouterStage struct {
	model  Model
	logger *zap.Logger
}

// NewRouterStage creates the classification stage.
func NewRouterStage(model Model, logger *zap.Logger) *RouterStage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RouterStage{model: model, logger: logger.With(zap.String("stage", "router"))}
}

func (s *RouterStage) ID() types.StageID { return types.StageRouter }

func (s *RouterStage) Process(ctx context.Context, state *types.State) workflow.StageResult {
	if strings.TrimSpace(state.Query) == "" {
		return workflow.Fail("query text is required for routing")
	}

	text, err := s.model.Complete(ctx, Prompt{
		System:      routerSystemPrompt,
		User:        state.Query,
		Temperature: 0,
	})
	if err != nil {
		return workflow.Fail("routing analysis failed: " + err.Error())
	}

	var resp routingResponse
	if err := decodeJSON(text, &resp); err != nil {
		return workflow.Fail("unparseable routing response: " + err.Error())
	}
	if resp.Dialect == "" {
		resp.Dialect = "sql"
	}

	s.logger.Info("query classified",
		zap.Bool("is_metadata_query", resp.IsMetadataQuery),
		zap.String("dialect", resp.Dialect),
	)
	return workflow.Succeed("query routing completed", &types.StateDelta{
		IsMetadataQuery: types.Bool(resp.IsMetadataQuery),
		Dialect:         types.Str(resp.Dialect),
	})
}

var _ workflow.Stage = (*RouterStage)(nil)
