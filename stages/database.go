package stages

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/queryflow/kb"
	"github.com/BaSui01/queryflow/types"
	"github.com/BaSui01/queryflow/workflow"
)

const databaseSystemPrompt = `You are an expert database architect specializing in multi-database query routing. Identify ALL databases needed to construct a complete answer to the user's question.

**AVAILABLE DATABASES:**
%s
%s%s
Only choose database names that appear in the list above.

Respond with ONLY a JSON object:
{"reasoning": "<why these databases>", "database_names": ["db1", "db2"]}`

type databaseSelection struct {
	Reasoning     string   `json:"reasoning"`
	DatabaseNames []string `json:"database_names"`
}

// DatabaseIdentifierStage selects candidate databases, the first tier of
// the tiered schema retrieval.
type DatabaseIdentifierStage struct {
	model     Model
	retriever kb.Retriever
	logger    *zap.Logger
}

// NewDatabaseIdentifierStage creates the database identification stage.
func NewDatabaseIdentifierStage(model Model, retriever kb.Retriever, logger *zap.Logger) *DatabaseIdentifierStage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DatabaseIdentifierStage{
		model:     model,
		retriever: retriever,
		logger:    logger.With(zap.String("stage", "database_identifier")),
	}
}

func (s *DatabaseIdentifierStage) ID() types.StageID { return types.StageDatabaseIdentifier }

func (s *DatabaseIdentifierStage) Process(ctx context.Context, state *types.State) workflow.StageResult {
	overview, err := catalogOverview(ctx, s.retriever)
	if err != nil {
		return workflow.Fail("catalog lookup failed: " + err.Error())
	}

	system := fmt.Sprintf(databaseSystemPrompt, overview,
		validationFeedbackSection(state),
		humanFeedbackSection(state, "database"))

	text, err := s.model.Complete(ctx, Prompt{System: system, User: state.Query, Temperature: 0.1})
	if err != nil {
		return workflow.Fail("database identification failed: " + err.Error())
	}

	var sel databaseSelection
	if err := decodeJSON(text, &sel); err != nil {
		return workflow.Fail("unparseable database selection: " + err.Error())
	}

	// Drop hallucinated names; the selection must come from the catalog.
	var databases []string
	for _, db := range sel.DatabaseNames {
		exists, err := s.retriever.DatabaseExists(ctx, db)
		if err != nil {
			return workflow.Fail("database validation failed: " + err.Error())
		}
		if exists {
			databases = append(databases, db)
		} else {
			s.logger.Warn("model selected unknown database", zap.String("database", db))
		}
	}
	if len(databases) == 0 {
		return workflow.Fail("no known databases identified for the query")
	}

	s.logger.Info("databases identified", zap.Strings("databases", databases))
	return workflow.Succeed("databases identified", &types.StateDelta{
		RelevantDatabases: databases,
	})
}

var _ workflow.Stage = (*DatabaseIdentifierStage)(nil)
