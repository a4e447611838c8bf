package ir

// Version constants recorded with installed graphs and firings.
const (
	// IRVersion is the version of the graph encoding produced by GraphObject.
	IRVersion = "1"

	// EngineVersion is the rulegraph engine version.
	EngineVersion = "0.1.0"
)
