package types

// Event represents a typed event emitted during ledger state transitions.
// Attribute values are rendered as strings so indexers and websocket clients
// can consume them without knowing the originating Go type.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// Attribute returns the named attribute or an empty string when absent.
func (e *Event) Attribute(key string) string {
	if e == nil || e.Attributes == nil {
		return ""
	}
	return e.Attributes[key]
}
