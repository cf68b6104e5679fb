package ir

// Version constants for record schemas and the engine.
const (
	// SchemaVersion is the on-disk record schema version.
	SchemaVersion = "1"

	// EngineVersion is the rewind engine version.
	EngineVersion = "0.1.0"
)
