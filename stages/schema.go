package stages

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/queryflow/kb"
	"github.com/BaSui01/queryflow/types"
	"github.com/BaSui01/queryflow/workflow"
)

// SchemaBuilderStage assembles the schema context the planner and
// generator work from: the full column definitions of every selected
// table, narrowed to the selected columns. It is deterministic and makes
// no model calls.
type SchemaBuilderStage struct {
	retriever kb.Retriever
	logger    *zap.Logger
}

// NewSchemaBuilderStage creates the schema assembly stage.
func NewSchemaBuilderStage(retriever kb.Retriever, logger *zap.Logger) *SchemaBuilderStage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SchemaBuilderStage{
		retriever: retriever,
		logger:    logger.With(zap.String("stage", "schema_builder")),
	}
}

func (s *SchemaBuilderStage) ID() types.StageID { return types.StageSchemaBuilder }

func (s *SchemaBuilderStage) Process(ctx context.Context, state *types.State) workflow.StageResult {
	if len(state.RelevantTables) == 0 {
		return workflow.Fail("no tables selected; cannot build schema context")
	}

	selected := selectedColumnsByTable(state.RelevantColumns)

	schemaCtx := make(map[string]any, len(state.RelevantTables))
	for _, ref := range state.RelevantTables {
		db, table, ok := splitTableRef(ref)
		if !ok {
			s.logger.Warn("skipping unqualified table reference", zap.String("table", ref))
			continue
		}
		schema, err := s.retriever.TableSchema(ctx, db, table)
		if err != nil {
			return workflow.Fail("schema lookup failed for " + ref + ": " + err.Error())
		}
		schemaCtx[ref] = tableContext(schema, selected[ref])
	}
	if len(schemaCtx) == 0 {
		return workflow.Fail("no schemas could be assembled for the selected tables")
	}

	s.logger.Info("schema context assembled", zap.Int("tables", len(schemaCtx)))
	return workflow.Succeed("schema context built", &types.StateDelta{
		SchemaContext: schemaCtx,
	})
}

// tableContext renders one table's entry. When the column identifier
// picked specific columns only those are included; otherwise the full
// table is passed through so the generator still has something to use.
func tableContext(schema *kb.TableSchema, picked map[string]bool) map[string]any {
	columns := make([]map[string]string, 0, len(schema.Columns))
	for _, col := range schema.Columns {
		if len(picked) > 0 && !picked[col.Name] {
			continue
		}
		columns = append(columns, map[string]string{
			"name":        col.Name,
			"type":        col.Type,
			"description": col.Description,
		})
	}
	if len(columns) == 0 {
		for _, col := range schema.Columns {
			columns = append(columns, map[string]string{
				"name":        col.Name,
				"type":        col.Type,
				"description": col.Description,
			})
		}
	}
	return map[string]any{
		"database":    schema.Database,
		"table":       schema.Table,
		"description": schema.Description,
		"columns":     columns,
	}
}

// selectedColumnsByTable groups "db.table.column" strings by "db.table".
func selectedColumnsByTable(columns []string) map[string]map[string]bool {
	out := make(map[string]map[string]bool)
	for _, ref := range columns {
		idx := strings.LastIndex(ref, ".")
		if idx <= 0 {
			continue
		}
		table, column := ref[:idx], ref[idx+1:]
		if out[table] == nil {
			out[table] = make(map[string]bool)
		}
		out[table][column] = true
	}
	return out
}

var _ workflow.Stage = (*SchemaBuilderStage)(nil)
