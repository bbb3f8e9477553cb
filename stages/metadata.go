package stages

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/queryflow/kb"
	"github.com/BaSui01/queryflow/types"
	"github.com/BaSui01/queryflow/workflow"
)

const metadataSystemPrompt = `You answer questions about database structure using ONLY the catalog below. Never invent databases, tables or columns that are not listed.

**CATALOG:**
%s

Respond with ONLY a JSON object:
{"response": "<answer for the user>", "metadata_type": "databases|tables|columns|schema|other"}`

type metadataResponse struct {
	Response     string `json:"response"`
	MetadataType string `json:"metadata_type"`
}

// MetadataStage answers structure questions directly from the catalog,
// short-circuiting the data pipeline.
type MetadataStage struct {
	model     Model
	retriever kb.Retriever
	logger    *zap.Logger
}

// NewMetadataStage creates the metadata answering stage.
func NewMetadataStage(model Model, retriever kb.Retriever, logger *zap.Logger) *MetadataStage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MetadataStage{
		model:     model,
		retriever: retriever,
		logger:    logger.With(zap.String("stage", "metadata_agent")),
	}
}

func (s *MetadataStage) ID() types.StageID { return types.StageMetadataAgent }

func (s *MetadataStage) Process(ctx context.Context, state *types.State) workflow.StageResult {
	overview, err := catalogOverview(ctx, s.retriever)
	if err != nil {
		return workflow.Fail("catalog lookup failed: " + err.Error())
	}

	text, err := s.model.Complete(ctx, Prompt{
		System:      fmt.Sprintf(metadataSystemPrompt, overview),
		User:        state.Query,
		Temperature: 0,
	})
	if err != nil {
		return workflow.Fail("metadata answering failed: " + err.Error())
	}

	var resp metadataResponse
	if err := decodeJSON(text, &resp); err != nil {
		return workflow.Fail("unparseable metadata response: " + err.Error())
	}
	if resp.Response == "" {
		return workflow.Fail("empty metadata response")
	}

	s.logger.Info("metadata query answered", zap.String("metadata_type", resp.MetadataType))
	return workflow.Succeed("metadata query completed", &types.StateDelta{
		MetadataResponse: types.Str(resp.Response),
		MetadataType:     types.Str(resp.MetadataType),
	})
}

var _ workflow.Stage = (*MetadataStage)(nil)
