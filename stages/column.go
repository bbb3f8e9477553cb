package stages

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/queryflow/kb"
	"github.com/BaSui01/queryflow/types"
	"github.com/BaSui01/queryflow/workflow"
)

const columnSystemPrompt = `You are an expert at mapping questions onto table columns. Select every column needed to answer the user's question (output columns, filters, joins and grouping keys), restricted to the columns below.

**AVAILABLE COLUMNS:**
%s
%s
Respond with ONLY a JSON object mapping fully qualified table names to the chosen columns with a short reason each:
{"reasoning": "<overall reasoning>", "columns": {"db.table": {"column_a": "reason", "column_b": "reason"}}}`

type columnSelection struct {
	Reasoning string                       `json:"reasoning"`
	Columns   map[string]map[string]string `json:"columns"`
}

// ColumnIdentifierStage selects candidate columns from the chosen tables,
// the final tier of the tiered schema retrieval.
type ColumnIdentifierStage struct {
	model     Model
	retriever kb.Retriever
	logger    *zap.Logger
}

// NewColumnIdentifierStage creates the column identification stage.
func NewColumnIdentifierStage(model Model, retriever kb.Retriever, logger *zap.Logger) *ColumnIdentifierStage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ColumnIdentifierStage{
		model:     model,
		retriever: retriever,
		logger:    logger.With(zap.String("stage", "column_identifier")),
	}
}

func (s *ColumnIdentifierStage) ID() types.StageID { return types.StageColumnIdentifier }

func (s *ColumnIdentifierStage) Process(ctx context.Context, state *types.State) workflow.StageResult {
	if len(state.RelevantTables) == 0 {
		return workflow.Fail("no tables selected; cannot identify columns")
	}

	schemas, listing, err := s.loadSchemas(ctx, state.RelevantTables)
	if err != nil {
		return workflow.Fail("schema lookup failed: " + err.Error())
	}

	system := fmt.Sprintf(columnSystemPrompt, listing, validationFeedbackSection(state))
	text, err := s.model.Complete(ctx, Prompt{System: system, User: state.Query, Temperature: 0.1})
	if err != nil {
		return workflow.Fail("column identification failed: " + err.Error())
	}

	var sel columnSelection
	if err := decodeJSON(text, &sel); err != nil {
		return workflow.Fail("unparseable column selection: " + err.Error())
	}

	columns := s.validateColumns(schemas, sel.Columns)
	sort.Strings(columns)
	if len(columns) == 0 {
		return workflow.Fail("no known columns identified for the query")
	}

	s.logger.Info("columns identified", zap.Int("count", len(columns)))
	return workflow.Succeed("columns identified", &types.StateDelta{
		RelevantColumns: columns,
	})
}

func (s *ColumnIdentifierStage) loadSchemas(ctx context.Context, tables []string) (map[string]*kb.TableSchema, string, error) {
	schemas := make(map[string]*kb.TableSchema, len(tables))
	var listing strings.Builder
	for _, ref := range tables {
		db, table, ok := splitTableRef(ref)
		if !ok {
			continue
		}
		schema, err := s.retriever.TableSchema(ctx, db, table)
		if err != nil {
			return nil, "", err
		}
		schemas[ref] = schema
		fmt.Fprintf(&listing, "Table %s:\n", ref)
		for _, col := range schema.Columns {
			fmt.Fprintf(&listing, "  - %s (%s): %s\n", col.Name, col.Type, col.Description)
		}
	}
	return schemas, listing.String(), nil
}

// validateColumns flattens the selection to "db.table.column" strings,
// keeping only columns present in the loaded schemas.
func (s *ColumnIdentifierStage) validateColumns(schemas map[string]*kb.TableSchema, selected map[string]map[string]string) []string {
	var out []string
	for ref, cols := range selected {
		schema, ok := schemas[ref]
		if !ok {
			s.logger.Warn("model selected columns for unknown table", zap.String("table", ref))
			continue
		}
		known := make(map[string]bool, len(schema.Columns))
		for _, col := range schema.Columns {
			known[col.Name] = true
		}
		for name := range cols {
			if known[name] {
				out = append(out, ref+"."+name)
			} else {
				s.logger.Warn("model selected unknown column",
					zap.String("table", ref), zap.String("column", name))
			}
		}
	}
	return out
}

var _ workflow.Stage = (*ColumnIdentifierStage)(nil)
