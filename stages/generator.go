package stages

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/queryflow/types"
	"github.com/BaSui01/queryflow/workflow"
)

const generatorSystemPrompt = `You are an expert %s developer. Write a single query that answers the user's question, following the plan and using ONLY the tables and columns in the schema context.

**SCHEMA CONTEXT:**
%s
%s%s
Rules:
- Use only tables and columns present in the schema context.
- Qualify table names with their database where the dialect supports it.
- Prefer explicit column lists over SELECT *.

Respond with ONLY a JSON object:
{"query": "<the query>", "database": "<primary database>", "tables_used": ["db.table"], "columns_used": ["db.table.column"], "explanation": "<one paragraph>", "query_type": "select|aggregate|join|other"}`

type generatorResponse struct {
	Query       string   `json:"query"`
	Database    string   `json:"database"`
	TablesUsed  []string `json:"tables_used"`
	ColumnsUsed []string `json:"columns_used"`
	Explanation string   `json:"explanation"`
	QueryType   string   `json:"query_type"`
}

// QueryGeneratorStage renders the final query from the plan and schema
// context.
type QueryGeneratorStage struct {
	model  Model
	logger *zap.Logger
}

// NewQueryGeneratorStage creates the generation stage.
func NewQueryGeneratorStage(model Model, logger *zap.Logger) *QueryGeneratorStage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QueryGeneratorStage{model: model, logger: logger.With(zap.String("stage", "query_generator"))}
}

func (s *QueryGeneratorStage) ID() types.StageID { return types.StageQueryGenerator }

func (s *QueryGeneratorStage) Process(ctx context.Context, state *types.State) workflow.StageResult {
	if len(state.SchemaContext) == 0 {
		return workflow.Fail("no schema context available; cannot generate a query")
	}

	dialect := state.Dialect
	if dialect == "" {
		dialect = "sql"
	}
	system := fmt.Sprintf(generatorSystemPrompt, strings.ToUpper(dialect),
		schemaContextSection(state),
		planSection(state),
		validationFeedbackSection(state))

	text, err := s.model.Complete(ctx, Prompt{System: system, User: state.Query, Temperature: 0.1})
	if err != nil {
		return workflow.Fail("query generation failed: " + err.Error())
	}

	var resp generatorResponse
	if err := decodeJSON(text, &resp); err != nil {
		return workflow.Fail("unparseable generated query: " + err.Error())
	}
	if strings.TrimSpace(resp.Query) == "" {
		return workflow.Fail("generator produced an empty query")
	}
	if resp.Database == "" && len(state.RelevantDatabases) > 0 {
		resp.Database = state.RelevantDatabases[0]
	}
	if len(resp.TablesUsed) == 0 {
		resp.TablesUsed = append([]string(nil), state.RelevantTables...)
	}
	if resp.QueryType == "" {
		resp.QueryType = "other"
	}

	s.logger.Info("query generated",
		zap.String("database", resp.Database),
		zap.String("query_type", resp.QueryType),
	)
	return workflow.Succeed("query generated", &types.StateDelta{
		GeneratedQuery: &types.GeneratedQuery{
			Query:       resp.Query,
			Database:    resp.Database,
			TablesUsed:  resp.TablesUsed,
			ColumnsUsed: resp.ColumnsUsed,
			Explanation: resp.Explanation,
			QueryType:   resp.QueryType,
		},
	})
}

var _ workflow.Stage = (*QueryGeneratorStage)(nil)
