package types

// Event represents a typed notification emitted during escrow state
// transitions. Attributes are flat string pairs so downstream indexers and
// evidence systems can consume them without schema knowledge.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}
