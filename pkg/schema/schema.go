// Package schema enforces the fixed body shape of every event kind.
// Validation happens at the trust boundary, before anything is hashed
// or signed; a body that fails here never reaches a chain.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/synod-labs/synod/pkg/contracts"
	"github.com/synod-labs/synod/pkg/fault"
)

// Registry holds one compiled schema per event kind. Compile once at
// startup; Validate is safe for concurrent use afterwards.
type Registry struct {
	compiled map[contracts.Kind]*jsonschema.Schema
}

// NewRegistry compiles the built-in body schemas. Failure here is a
// programming error, not an input error, so callers typically treat it
// as fatal.
func NewRegistry() (*Registry, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020

	for kind, src := range bodySchemas {
		url := schemaURL(kind)
		if err := c.AddResource(url, strings.NewReader(src)); err != nil {
			return nil, fmt.Errorf("schema load failed for %s: %w", kind, err)
		}
	}

	compiled := make(map[contracts.Kind]*jsonschema.Schema, len(bodySchemas))
	for kind := range bodySchemas {
		s, err := c.Compile(schemaURL(kind))
		if err != nil {
			return nil, fmt.Errorf("schema compile failed for %s: %w", kind, err)
		}
		compiled[kind] = s
	}
	return &Registry{compiled: compiled}, nil
}

func schemaURL(kind contracts.Kind) string {
	return fmt.Sprintf("https://synod.schemas.local/events/%s.schema.json", kind)
}

// Validate checks a raw body against its kind's schema. Unknown kinds
// and malformed or nonconforming bodies all come back as
// SchemaViolation; the caller never stores a body this rejected.
func (r *Registry) Validate(kind contracts.Kind, body json.RawMessage) error {
	s, ok := r.compiled[kind]
	if !ok {
		return fault.Newf(fault.KindSchemaViolation, "schema.validate", "unknown event kind %q", kind)
	}
	if len(body) == 0 {
		return fault.Newf(fault.KindSchemaViolation, "schema.validate", "%s: empty body", kind)
	}

	var v interface{}
	if err := json.Unmarshal(body, &v); err != nil {
		return fault.Wrap(fault.KindSchemaViolation, "schema.validate", fmt.Errorf("%s: body not JSON: %w", kind, err))
	}
	if err := s.Validate(v); err != nil {
		return fault.Wrap(fault.KindSchemaViolation, "schema.validate", fmt.Errorf("%s: %w", kind, err))
	}
	return nil
}

// dissolutionFilingSchema is shared by the three filings admitted
// during dissolution deliberation.
const dissolutionFilingSchema = `{
  "type": "object",
  "properties": {
    "motion_id": {"type": "string", "minLength": 1},
    "text": {"type": "string", "minLength": 1},
    "supporters": {"type": "array", "items": {"type": "string"}, "minItems": 1, "uniqueItems": true},
    "consensus_level": {"enum": ["SINGLE", "LOW", "MEDIUM", "HIGH", "CRITICAL"]}
  },
  "required": ["motion_id", "text", "supporters", "consensus_level"],
  "additionalProperties": false
}`

// bodySchemas pins the wire shape of every kind. additionalProperties
// is false throughout: unknown fields are rejected, not ignored.
var bodySchemas = map[contracts.Kind]string{
	contracts.KindCycleOpened: `{
  "type": "object",
  "properties": {
    "number": {"type": "integer", "minimum": 1},
    "purpose": {"type": "string", "minLength": 1},
    "prev_cycle_id": {"type": "string"},
    "carried_breaches": {"type": "array", "items": {"type": "string"}, "uniqueItems": true}
  },
  "required": ["number", "purpose"],
  "additionalProperties": false
}`,

	contracts.KindCycleClosed: `{
  "type": "object",
  "properties": {
    "final_state": {"enum": ["CLOSED", "INDEFINITE_SUSPENSION"]},
    "summary": {"type": "string"}
  },
  "required": ["final_state"],
  "additionalProperties": false
}`,

	contracts.KindRollCallCompleted: `{
  "type": "object",
  "properties": {
    "roster": {"type": "array", "items": {"type": "string", "minLength": 1}, "minItems": 1, "uniqueItems": true},
    "convened_by": {"type": "string", "minLength": 1}
  },
  "required": ["roster", "convened_by"],
  "additionalProperties": false
}`,

	contracts.KindAgentUtterance: `{
  "type": "object",
  "properties": {
    "text": {"type": "string", "minLength": 1, "maxLength": 65536},
    "reply_to": {"type": "string"},
    "summary_ref": {"type": "string"}
  },
  "required": ["text"],
  "additionalProperties": false
}`,

	contracts.KindMotionProposed: `{
  "type": "object",
  "properties": {
    "motion_id": {"type": "string", "minLength": 1},
    "text": {"type": "string", "minLength": 1},
    "supporters": {"type": "array", "items": {"type": "string"}, "minItems": 1, "uniqueItems": true},
    "consensus_level": {"enum": ["SINGLE", "LOW", "MEDIUM", "HIGH", "CRITICAL"]},
    "intent": {"type": "string"}
  },
  "required": ["motion_id", "text", "supporters", "consensus_level"],
  "additionalProperties": false
}`,

	contracts.KindVoteCast: `{
  "type": "object",
  "properties": {
    "vote_id": {"type": "string", "minLength": 1},
    "motion_id": {"type": "string", "minLength": 1},
    "choice": {"enum": ["yea", "nay", "abstain", "present"]},
    "justification": {"type": "string"}
  },
  "required": ["vote_id", "motion_id", "choice"],
  "additionalProperties": false
}`,

	contracts.KindVoteTallied: `{
  "type": "object",
  "properties": {
    "motion_id": {"type": "string", "minLength": 1},
    "yea": {"type": "integer", "minimum": 0},
    "nay": {"type": "integer", "minimum": 0},
    "abstain": {"type": "integer", "minimum": 0},
    "present": {"type": "integer", "minimum": 0},
    "roster_size": {"type": "integer", "minimum": 1}
  },
  "required": ["motion_id", "yea", "nay", "abstain", "present", "roster_size"],
  "additionalProperties": false
}`,

	contracts.KindMotionResolved: `{
  "type": "object",
  "properties": {
    "motion_id": {"type": "string", "minLength": 1},
    "outcome": {"enum": ["adopted", "rejected", "tabled", "withdrawn"]},
    "yea_fraction": {"type": "number", "minimum": 0, "maximum": 1},
    "cast_fraction": {"type": "number", "minimum": 0, "maximum": 1}
  },
  "required": ["motion_id", "outcome", "yea_fraction", "cast_fraction"],
  "additionalProperties": false
}`,

	contracts.KindDissolutionTriggered: `{
  "type": "object",
  "properties": {
    "trigger_motion_id": {"type": "string"},
    "reason": {"type": "string", "minLength": 1}
  },
  "required": ["reason"],
  "additionalProperties": false
}`,

	contracts.KindReconsiderMotion: dissolutionFilingSchema,
	contracts.KindDissolveMotion:   dissolutionFilingSchema,
	contracts.KindReformMotion:     dissolutionFilingSchema,

	contracts.KindSuspensionBegan: `{
  "type": "object",
  "properties": {
    "terminal": {"type": "boolean"},
    "reason": {"type": "string", "minLength": 1}
  },
  "required": ["terminal", "reason"],
  "additionalProperties": false
}`,

	contracts.KindBreachDeclared: `{
  "type": "object",
  "properties": {
    "breach_id": {"type": "string", "minLength": 1},
    "breach_kind": {"type": "string", "minLength": 1},
    "subject": {"type": "string"},
    "description": {"type": "string", "minLength": 1}
  },
  "required": ["breach_id", "breach_kind", "description"],
  "additionalProperties": false
}`,

	contracts.KindSuppressionAttempted: `{
  "type": "object",
  "properties": {
    "breach_ids": {"type": "array", "items": {"type": "string"}, "minItems": 1, "uniqueItems": true},
    "attempted_by": {"type": "string", "minLength": 1},
    "action": {"type": "string", "minLength": 1}
  },
  "required": ["breach_ids", "attempted_by", "action"],
  "additionalProperties": false
}`,

	contracts.KindBreachResponded: `{
  "type": "object",
  "properties": {
    "breach_id": {"type": "string", "minLength": 1},
    "response": {"type": "string", "minLength": 1},
    "resolution": {"enum": ["acknowledged", "remedied", "disputed"]}
  },
  "required": ["breach_id", "response", "resolution"],
  "additionalProperties": false
}`,

	contracts.KindOverrideInvoked: `{
  "type": "object",
  "properties": {
    "override_id": {"type": "string", "minLength": 1},
    "declaration": {"type": "string", "minLength": 1},
    "scope": {"type": "string", "minLength": 1},
    "duration_seconds": {"type": "integer", "minimum": 1}
  },
  "required": ["override_id", "declaration", "scope", "duration_seconds"],
  "additionalProperties": false
}`,

	contracts.KindOverrideConcluded: `{
  "type": "object",
  "properties": {
    "override_id": {"type": "string", "minLength": 1},
    "outcome": {"type": "string", "minLength": 1},
    "summary": {"type": "string"}
  },
  "required": ["override_id", "outcome"],
  "additionalProperties": false
}`,

	contracts.KindPrecedentCited: `{
  "type": "object",
  "properties": {
    "cited_event_id": {"type": "string", "minLength": 1},
    "grounds": {"type": "string", "minLength": 1},
    "binding": {"const": false},
    "citation_kind": {"type": "string"}
  },
  "required": ["cited_event_id", "grounds", "binding"],
  "additionalProperties": false
}`,

	contracts.KindPrecedentChallenged: `{
  "type": "object",
  "properties": {
    "citation_event_id": {"type": "string"},
    "cited_event_id": {"type": "string", "minLength": 1},
    "grounds": {"type": "string", "minLength": 1}
  },
  "required": ["cited_event_id", "grounds"],
  "additionalProperties": false
}`,

	contracts.KindCostSnapshotAnnounced: `{
  "type": "object",
  "properties": {
    "compute_units": {"type": "integer", "minimum": 0},
    "wall_clock_seconds": {"type": "number", "minimum": 0},
    "announced_by": {"type": "string", "minLength": 1}
  },
  "required": ["compute_units", "wall_clock_seconds", "announced_by"],
  "additionalProperties": false
}`,

	contracts.KindHaltDeclared: `{
  "type": "object",
  "properties": {
    "reason": {"type": "string", "minLength": 1},
    "scope": {"type": "string", "minLength": 1}
  },
  "required": ["reason", "scope"],
  "additionalProperties": false
}`,

	contracts.KindForkDetected: `{
  "type": "object",
  "properties": {
    "chain_actor_id": {"type": "string", "minLength": 1},
    "prev_hash": {"type": "string"},
    "detail": {"type": "string", "minLength": 1}
  },
  "required": ["chain_actor_id", "detail"],
  "additionalProperties": false
}`,
}
