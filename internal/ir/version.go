package ir

// Version constants for the record schema and engine.
const (
	// RecordVersion is the persisted instance record schema version.
	RecordVersion = "1"

	// EngineVersion is the tokenflow engine version.
	EngineVersion = "0.1.0"
)
