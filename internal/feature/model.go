// Package feature parses GeoJSON Features and FeatureCollections carrying
// mutation intent and enforces each action's preconditions.
package feature

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/paulmach/orb"

	"github.com/pka/hecate/internal/errs"
	"github.com/pka/hecate/internal/geom"
)

// Action is one of the four mutation verbs the envelope may carry.
type Action string

const (
	ActionCreate  Action = "create"
	ActionModify  Action = "modify"
	ActionDelete  Action = "delete"
	ActionRestore Action = "restore"
)

func (a Action) valid() bool {
	switch a {
	case ActionCreate, ActionModify, ActionDelete, ActionRestore:
		return true
	default:
		return false
	}
}

// RawFeature is the wire shape of one GeoJSON Feature carrying mutation
// intent: the fields the core inspects on every upload.
type RawFeature struct {
	Type       string          `json:"type"`
	ID         *int64          `json:"id,omitempty"`
	Version    *int64          `json:"version,omitempty"`
	Key        *string         `json:"key,omitempty"`
	Action     Action          `json:"action"`
	Geometry   json.RawMessage `json:"geometry,omitempty"`
	Properties json.RawMessage `json:"properties,omitempty"`
	Force      bool            `json:"force,omitempty"`
}

// SingleRequest is the body of POST /api/data/feature: a Feature plus the
// envelope-level message describing the delta.
type SingleRequest struct {
	RawFeature
	Message string `json:"message"`
}

// CollectionRequest is the body of POST /api/data/features.
type CollectionRequest struct {
	Type     string       `json:"type"`
	Message  string       `json:"message"`
	Features []RawFeature `json:"features"`
}

// ParseSingle decodes and envelope-validates a mutate-one request body.
func ParseSingle(data []byte) (*SingleRequest, error) {
	var r SingleRequest
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, errs.Wrap(errs.MalformedInput, "invalid JSON body", err)
	}
	if r.Type != "Feature" {
		return nil, errs.New(errs.MalformedInput, `top-level "type" must be "Feature"`)
	}
	if strings.TrimSpace(r.Message) == "" {
		return nil, errs.New(errs.MalformedInput, `top-level "message" is required`)
	}
	return &r, nil
}

// ParseCollection decodes and envelope-validates a mutate-many request body.
func ParseCollection(data []byte) (*CollectionRequest, error) {
	var r CollectionRequest
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, errs.Wrap(errs.MalformedInput, "invalid JSON body", err)
	}
	if r.Type != "FeatureCollection" {
		return nil, errs.New(errs.MalformedInput, `top-level "type" must be "FeatureCollection"`)
	}
	if strings.TrimSpace(r.Message) == "" {
		return nil, errs.New(errs.MalformedInput, `top-level "message" is required`)
	}
	if len(r.Features) == 0 {
		return nil, errs.New(errs.MalformedInput, "features must not be empty")
	}
	return &r, nil
}

// Mutation is a RawFeature after precondition validation and geometry
// decoding: what the mutation engine actually consumes.
type Mutation struct {
	Action     Action
	ID         int64 // 0 when absent (create, before id allocation)
	Version    int64 // 0 when absent (create)
	Key        *string
	Geometry   orb.Geometry // nil for delete
	Properties json.RawMessage
	Force      bool
}

// Validate enforces each action's preconditions and decodes the geometry
// through the geometry codec. schema may be nil when no JSON-Schema has been
// configured.
func Validate(rf RawFeature, schema *Schema) (*Mutation, error) {
	if !rf.Action.valid() {
		return nil, errs.New(errs.MalformedInput, "action must be one of create, modify, delete, restore")
	}

	m := &Mutation{Action: rf.Action, Key: rf.Key, Force: rf.Force}

	switch rf.Action {
	case ActionCreate:
		if rf.ID != nil {
			return nil, errs.New(errs.ActionPrecondition, "create must not carry an id")
		}
		if rf.Version != nil {
			return nil, errs.New(errs.ActionPrecondition, "create must not carry a version")
		}
		if len(rf.Geometry) == 0 {
			return nil, errs.New(errs.ActionPrecondition, "create requires geometry")
		}
		if len(rf.Properties) == 0 {
			return nil, errs.New(errs.ActionPrecondition, "create requires properties")
		}
		if rf.Force && (rf.Key == nil || *rf.Key == "") {
			return nil, errs.New(errs.ActionPrecondition, "force create requires a non-null key")
		}

	case ActionModify:
		if rf.ID == nil {
			return nil, errs.New(errs.ActionPrecondition, "modify requires an id")
		}
		if rf.Version == nil {
			return nil, errs.New(errs.ActionPrecondition, "modify requires a version")
		}
		if len(rf.Geometry) == 0 {
			return nil, errs.New(errs.ActionPrecondition, "modify requires geometry")
		}
		if len(rf.Properties) == 0 {
			return nil, errs.New(errs.ActionPrecondition, "modify requires properties")
		}
		m.ID, m.Version = *rf.ID, *rf.Version

	case ActionDelete:
		if rf.ID == nil {
			return nil, errs.New(errs.ActionPrecondition, "delete requires an id")
		}
		if rf.Version == nil {
			return nil, errs.New(errs.ActionPrecondition, "delete requires a version")
		}
		m.ID, m.Version = *rf.ID, *rf.Version
		// geometry/properties are ignored for delete.
		return m, nil

	case ActionRestore:
		if rf.ID == nil {
			return nil, errs.New(errs.ActionPrecondition, "restore requires an id")
		}
		if rf.Version == nil {
			return nil, errs.New(errs.ActionPrecondition, "restore requires a version")
		}
		if len(rf.Geometry) == 0 {
			return nil, errs.New(errs.ActionPrecondition, "restore requires geometry")
		}
		if len(rf.Properties) == 0 {
			return nil, errs.New(errs.ActionPrecondition, "restore requires properties")
		}
		m.ID, m.Version = *rf.ID, *rf.Version
	}

	g, err := geom.DecodeGeoJSON(rf.Geometry)
	if err != nil {
		return nil, err
	}
	m.Geometry = g

	if schema != nil {
		if err := schema.ValidateProperties(rf.Properties); err != nil {
			return nil, err
		}
	}
	m.Properties = rf.Properties

	return m, nil
}

// ValidateBatch validates every feature in a batch and aborts on the first
// failure. The caller must not commit anything for a batch where any single
// feature fails.
func ValidateBatch(features []RawFeature, schema *Schema) ([]*Mutation, error) {
	out := make([]*Mutation, 0, len(features))
	for i, rf := range features {
		m, err := Validate(rf, schema)
		if err != nil {
			return nil, errs.Wrap(errs.KindOf(err), "feature at index "+strconv.Itoa(i), err)
		}
		out = append(out, m)
	}
	return out, nil
}
