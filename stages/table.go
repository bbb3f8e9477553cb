package stages

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/queryflow/kb"
	"github.com/BaSui01/queryflow/types"
	"github.com/BaSui01/queryflow/workflow"
)

const tableSystemPrompt = `You are an expert data modeler. Select every table required to answer the user's question, restricted to the candidate tables below.

**CANDIDATE TABLES (database.table: description):**
%s
%s%s
Respond with ONLY a JSON object, using fully qualified names:
{"reasoning": "<why these tables>", "table_names": ["db1.table1", "db2.table2"]}`

type tableSelection struct {
	Reasoning  string   `json:"reasoning"`
	TableNames []string `json:"table_names"`
}

// TableIdentifierStage selects candidate tables from the chosen
// databases, the second tier of the tiered schema retrieval.
type TableIdentifierStage struct {
	model       Model
	retriever   kb.Retriever
	searchLimit int
	logger      *zap.Logger
}

// NewTableIdentifierStage creates the table identification stage.
func NewTableIdentifierStage(model Model, retriever kb.Retriever, logger *zap.Logger) *TableIdentifierStage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TableIdentifierStage{
		model:       model,
		retriever:   retriever,
		searchLimit: 20,
		logger:      logger.With(zap.String("stage", "table_identifier")),
	}
}

func (s *TableIdentifierStage) ID() types.StageID { return types.StageTableIdentifier }

func (s *TableIdentifierStage) Process(ctx context.Context, state *types.State) workflow.StageResult {
	if len(state.RelevantDatabases) == 0 {
		return workflow.Fail("no databases selected; cannot identify tables")
	}

	candidates, err := s.candidateTables(ctx, state)
	if err != nil {
		return workflow.Fail("table retrieval failed: " + err.Error())
	}
	if len(candidates) == 0 {
		return workflow.Fail("no candidate tables found in the selected databases")
	}

	var listing strings.Builder
	for _, t := range candidates {
		fmt.Fprintf(&listing, "- %s.%s: %s\n", t.Database, t.Table, t.Description)
	}

	system := fmt.Sprintf(tableSystemPrompt, listing.String(),
		validationFeedbackSection(state),
		humanFeedbackSection(state, "table"))

	text, err := s.model.Complete(ctx, Prompt{System: system, User: state.Query, Temperature: 0.1})
	if err != nil {
		return workflow.Fail("table identification failed: " + err.Error())
	}

	var sel tableSelection
	if err := decodeJSON(text, &sel); err != nil {
		return workflow.Fail("unparseable table selection: " + err.Error())
	}

	tables := s.validateTables(ctx, state, sel.TableNames)
	if len(tables) == 0 {
		return workflow.Fail("no known tables identified for the query")
	}

	s.logger.Info("tables identified", zap.Strings("tables", tables))
	return workflow.Succeed("tables identified", &types.StateDelta{
		RelevantTables: tables,
	})
}

// candidateTables narrows the prompt to tables relevant to the query,
// falling back to a full listing for small databases.
func (s *TableIdentifierStage) candidateTables(ctx context.Context, state *types.State) ([]kb.TableInfo, error) {
	found, err := s.retriever.SearchTables(ctx, state.Query, state.RelevantDatabases, s.searchLimit)
	if err != nil {
		return nil, err
	}
	if len(found) > 0 {
		return found, nil
	}
	var all []kb.TableInfo
	for _, db := range state.RelevantDatabases {
		tables, err := s.retriever.ListTables(ctx, db)
		if err != nil {
			return nil, err
		}
		all = append(all, tables...)
	}
	return all, nil
}

// validateTables keeps only catalog-backed selections, qualifying bare
// table names with the first selected database that contains them.
func (s *TableIdentifierStage) validateTables(ctx context.Context, state *types.State, names []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, name := range names {
		db, table, qualified := splitTableRef(name)
		if qualified {
			ok, err := s.retriever.TableExists(ctx, db, table)
			if err != nil || !ok {
				s.logger.Warn("model selected unknown table", zap.String("table", name))
				continue
			}
			if full := db + "." + table; !seen[full] {
				seen[full] = true
				out = append(out, full)
			}
			continue
		}
		for _, candidate := range state.RelevantDatabases {
			ok, err := s.retriever.TableExists(ctx, candidate, table)
			if err == nil && ok {
				if full := candidate + "." + table; !seen[full] {
					seen[full] = true
					out = append(out, full)
				}
				break
			}
		}
	}
	return out
}

var _ workflow.Stage = (*TableIdentifierStage)(nil)
