package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/queryflow/types"
	"github.com/BaSui01/queryflow/workflow"
)

// metadataEngine builds an engine whose router classifies every query as
// a metadata question answered directly.
func metadataEngine(t *testing.T, answer string) *workflow.Engine {
	t.Helper()

	set, err := workflow.NewStageSet(
		workflow.NewStageFunc(types.StageRouter, func(ctx context.Context, s *types.State) workflow.StageResult {
			return workflow.Succeed("classified", &types.StateDelta{IsMetadataQuery: types.Bool(true)})
		}),
		workflow.NewStageFunc(types.StageMetadataAgent, func(ctx context.Context, s *types.State) workflow.StageResult {
			return workflow.Succeed("answered", &types.StateDelta{MetadataResponse: types.Str(answer)})
		}),
	)
	require.NoError(t, err)

	engine, err := workflow.NewEngine(workflow.EngineConfig{Stages: set, Logger: zap.NewNop()})
	require.NoError(t, err)
	return engine
}

// pipelineEngine builds an engine with trivial stubs for the full data
// pipeline, ending in a valid generated query.
func pipelineEngine(t *testing.T) *workflow.Engine {
	t.Helper()

	passthrough := func(id types.StageID, delta *types.StateDelta) workflow.Stage {
		return workflow.NewStageFunc(id, func(ctx context.Context, s *types.State) workflow.StageResult {
			return workflow.Succeed("ok", delta)
		})
	}

	set, err := workflow.NewStageSet(
		passthrough(types.StageRouter, nil),
		passthrough(types.StageDatabaseIdentifier, &types.StateDelta{RelevantDatabases: []string{"sales"}}),
		passthrough(types.StageTableIdentifier, &types.StateDelta{RelevantTables: []string{"sales.orders"}}),
		passthrough(types.StageColumnIdentifier, &types.StateDelta{RelevantColumns: []string{"sales.orders.total"}}),
		passthrough(types.StageSchemaBuilder, nil),
		passthrough(types.StageQueryPlanner, &types.StateDelta{QueryPlan: []string{"sum order totals"}}),
		passthrough(types.StageQueryGenerator, &types.StateDelta{
			GeneratedQuery: &types.GeneratedQuery{Query: "SELECT SUM(total) FROM orders", Database: "sales"},
		}),
		passthrough(types.StageQueryValidator, &types.StateDelta{IsQueryValid: types.Bool(true)}),
	)
	require.NoError(t, err)

	engine, err := workflow.NewEngine(workflow.EngineConfig{Stages: set, Logger: zap.NewNop()})
	require.NoError(t, err)
	return engine
}

func postQuery(t *testing.T, h *QueryHandler, body string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/query", strings.NewReader(body))
	h.HandleQuery(w, r)
	return w
}

func TestQueryHandler_MetadataQuery(t *testing.T) {
	h := NewQueryHandler(metadataEngine(t, "There are 2 databases: sales, hr."), zap.NewNop())

	w := postQuery(t, h, `{"query":"how many databases are there?"}`)

	require.Equal(t, http.StatusOK, w.Code)

	var resp Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.True(t, resp.Success)

	data, ok := resp.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, string(workflow.StatusCompleted), data["status"])
	assert.Equal(t, "There are 2 databases: sales, hr.", data["metadataResponse"])
}

func TestQueryHandler_DataQuery(t *testing.T) {
	h := NewQueryHandler(pipelineEngine(t), zap.NewNop())

	w := postQuery(t, h, `{"query":"total order revenue"}`)

	require.Equal(t, http.StatusOK, w.Code)

	var resp Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.True(t, resp.Success)

	data, ok := resp.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, string(workflow.StatusCompleted), data["status"])
	assert.Equal(t, "SELECT SUM(total) FROM orders", data["query"])
	assert.NotEmpty(t, data["executionTime"])
}

func TestQueryHandler_Rejections(t *testing.T) {
	h := NewQueryHandler(metadataEngine(t, "ignored"), zap.NewNop())

	tests := []struct {
		name string
		body string
		want int
	}{
		{"empty query", `{"query":""}`, http.StatusBadRequest},
		{"whitespace query", `{"query":"   "}`, http.StatusBadRequest},
		{"interactive mode not on REST", `{"query":"q","mode":"interactive"}`, http.StatusBadRequest},
		{"unknown field", `{"query":"q","bogus":true}`, http.StatusBadRequest},
		{"ask mode accepted", `{"query":"q","mode":"ask"}`, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postQuery(t, h, tt.body)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestQueryHandler_MethodNotAllowed(t *testing.T) {
	h := NewQueryHandler(metadataEngine(t, "ignored"), zap.NewNop())

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/query", nil)
	h.HandleQuery(w, r)

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
