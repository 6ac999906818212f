package audience

import "strings"

// Operator identifies a rule comparison. The set is closed; anything
// outside it compiles to the match-all predicate.
type Operator string

const (
	OpEq       Operator = "eq"
	OpNe       Operator = "ne"
	OpContains Operator = "contains"
	OpIn       Operator = "in"
	OpNotIn    Operator = "notIn"
	OpIsNull   Operator = "isNull"
	OpNotNull  Operator = "notNull"
)

// Valid reports whether the operator is part of the closed set.
func (o Operator) Valid() bool {
	switch o {
	case OpEq, OpNe, OpContains, OpIn, OpNotIn, OpIsNull, OpNotNull:
		return true
	}
	return false
}

// Rule is a single targeting condition. Value is untyped because rule
// sets arrive as JSON from the admin surface; the compiler normalizes
// it per operator.
type Rule struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value,omitempty"`
}

// Recipient is the projection of a user that the core reads for
// targeting and delivery. It is owned by the external user-management
// collaborator; the core never writes it.
//
// A recipient can be addressed at the push provider through any of
// three channel identifiers, reflecting how provider integrations
// evolved: ExternalID (application-level user id), SubscriptionID
// (provider subscription), or DeviceID (legacy player id).
type Recipient struct {
	ID             string
	ExternalID     string
	SubscriptionID string
	DeviceID       string
	Active         bool
	Attributes     map[string]any
}

// HasChannel reports whether the recipient can be addressed at the
// provider through at least one channel identifier.
func (r Recipient) HasChannel() bool {
	return strings.TrimSpace(r.ExternalID) != "" ||
		strings.TrimSpace(r.SubscriptionID) != "" ||
		strings.TrimSpace(r.DeviceID) != ""
}

// Attribute returns the named targeting attribute. The well-known
// identifier fields are addressable by name so rules can target them
// without duplicating data into the attribute map.
func (r Recipient) Attribute(field string) (any, bool) {
	switch field {
	case "id":
		return r.ID, true
	case "externalId":
		return r.ExternalID, true
	case "subscriptionId":
		return r.SubscriptionID, true
	case "deviceId":
		return r.DeviceID, true
	}
	v, ok := r.Attributes[field]
	return v, ok
}
