package types

// StageID identifies a single stage of the query pipeline. The set of
// stages is closed: the engine refuses to route to an ID that is not
// declared here, which turns routing typos into startup errors instead of
// silent dead ends.
type StageID string

const (
	// StageRouter classifies the incoming question (metadata vs data query).
	StageRouter StageID = "router"
	// StageMetadataAgent answers metadata questions directly from the catalog.
	StageMetadataAgent StageID = "metadata_agent"
	// StageDatabaseIdentifier selects candidate databases.
	StageDatabaseIdentifier StageID = "database_identifier"
	// StageDatabaseHumanReview is the HITL checkpoint for database selection.
	StageDatabaseHumanReview StageID = "database_human_review"
	// StageTableIdentifier selects candidate tables from the chosen databases.
	StageTableIdentifier StageID = "table_identifier"
	// StageTableHumanReview is the HITL checkpoint for table selection.
	StageTableHumanReview StageID = "table_human_review"
	// StageColumnIdentifier selects candidate columns from the chosen tables.
	StageColumnIdentifier StageID = "column_identifier"
	// StageSchemaBuilder assembles the schema context for planning.
	StageSchemaBuilder StageID = "schema_builder"
	// StageQueryPlanner produces the logical query plan.
	StageQueryPlanner StageID = "query_planner"
	// StageQueryGenerator renders the plan into a concrete query.
	StageQueryGenerator StageID = "query_generator"
	// StageQueryValidator passes final judgment on the generated query.
	StageQueryValidator StageID = "query_validator"

	// StageEnd is the terminal sink. It is never executed; the engine stops
	// when the router returns it.
	StageEnd StageID = "end"
)

// PipelineOrder is the fixed happy-path order of the data-query pipeline.
// The router walks this sequence when no retry, review, or validation rule
// overrides it.
var PipelineOrder = []StageID{
	StageDatabaseIdentifier,
	StageTableIdentifier,
	StageColumnIdentifier,
	StageSchemaBuilder,
	StageQueryPlanner,
	StageQueryGenerator,
	StageQueryValidator,
}

// AllStages lists every executable stage, used to seed per-stage retry
// budgets and to validate handler registration.
var AllStages = []StageID{
	StageRouter,
	StageMetadataAgent,
	StageDatabaseIdentifier,
	StageDatabaseHumanReview,
	StageTableIdentifier,
	StageTableHumanReview,
	StageColumnIdentifier,
	StageSchemaBuilder,
	StageQueryPlanner,
	StageQueryGenerator,
	StageQueryValidator,
}

// Valid reports whether id names an executable stage or the terminal sink.
func (id StageID) Valid() bool {
	if id == StageEnd {
		return true
	}
	for _, s := range AllStages {
		if s == id {
			return true
		}
	}
	return false
}

// NextInPipeline returns the stage following id in the fixed pipeline
// order, or StageEnd when id is the last pipeline stage or not part of it.
func NextInPipeline(id StageID) StageID {
	for i, s := range PipelineOrder {
		if s == id && i+1 < len(PipelineOrder) {
			return PipelineOrder[i+1]
		}
	}
	return StageEnd
}
