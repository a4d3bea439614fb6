// Package osm translates the subset of the OSM v0.6 XML protocol JOSM
// exercises for editing point-like features into mutation-engine calls, and
// renders live features back as OSM XML for `map?bbox=` exports.
package osm

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"encoding/xml"
	"fmt"

	"github.com/paulmach/orb"

	"github.com/pka/hecate/internal/errs"
	"github.com/pka/hecate/internal/feature"
	"github.com/pka/hecate/internal/geom"
	"github.com/pka/hecate/internal/mutation"
)

const (
	apiVersion = "0.6"
	generator  = "hecate"
)

// Mutator is the subset of the mutation engine the shim drives.
type Mutator interface {
	MutateMany(ctx context.Context, rfs []feature.RawFeature, message string, author int64) (*mutation.Result, error)
}

// Service implements the OSM v0.6 shim over a mutation engine and a
// read pool used only for `map?bbox=` exports.
type Service struct {
	db         *sql.DB
	mutator    Mutator
	changesets *changesetStore
}

// New builds a Service. db should be a replica pool; mutator is the write
// path's mutation engine.
func New(db *sql.DB, mutator Mutator) *Service {
	return &Service{db: db, mutator: mutator, changesets: newChangesetStore()}
}

// Capabilities renders the static capabilities document.
func (s *Service) Capabilities() []byte {
	const doc = xml.Header + `<osm version="` + apiVersion + `" generator="` + generator + `">
  <api>
    <version minimum="0.6" maximum="0.6"/>
    <area maximum="0.25"/>
    <waynodes maximum="2000"/>
    <changesets maximum_elements="10000"/>
    <timeout seconds="300"/>
  </api>
</osm>
`
	return []byte(doc)
}

// ParseChangesetComment extracts the "comment" tag from a changeset/create
// body. A body that does not parse or carries no comment yields a fallback
// message, since every delta requires one.
func ParseChangesetComment(body []byte) string {
	var doc changesetCreateDoc
	if err := xml.Unmarshal(body, &doc); err == nil {
		for _, cs := range doc.Changesets {
			for _, t := range cs.Tags {
				if t.K == "comment" && t.V != "" {
					return t.V
				}
			}
		}
	}
	return "osm changeset upload"
}

// CreateChangeset opens a changeset and returns its id, distinct from delta
// ids.
func (s *Service) CreateChangeset(author int64, comment string) int64 {
	return s.changesets.create(author, comment)
}

// CloseChangeset closes a changeset; subsequent uploads to it fail.
func (s *Service) CloseChangeset(id int64) error {
	return s.changesets.close(id)
}

// Upload parses an osmChange diff, translates node creates/modifies/deletes
// into a single mutate-many call, and returns the diffResult document
// mapping client-supplied placeholder ids to allocated ids/versions. Way and
// Relation elements in the upload direction are rejected.
func (s *Service) Upload(ctx context.Context, changesetID int64, body []byte) ([]byte, error) {
	cs, err := s.changesets.get(changesetID)
	if err != nil {
		return nil, err
	}
	cs.mu.Lock()
	closed := cs.closed
	author := cs.author
	comment := cs.comment
	cs.mu.Unlock()
	if closed {
		return nil, errs.New(errs.ActionPrecondition, "changeset is closed")
	}

	var doc osmChangeDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, errs.Wrap(errs.MalformedInput, "invalid osmChange XML", err)
	}
	if doc.Create.hasWayOrRelation() || doc.Modify.hasWayOrRelation() || doc.Delete.hasWayOrRelation() {
		return nil, errs.New(errs.UnsupportedGeometry, "way and relation uploads are not supported")
	}

	var rfs []feature.RawFeature
	var placeholders []int64 // placeholder (possibly negative) client id per rf, 0 for non-create

	appendGroup := func(group *osmChangeGroup, action feature.Action) {
		if group == nil {
			return
		}
		for _, n := range group.Nodes {
			rf, placeholder := nodeToRawFeature(n, action)
			rfs = append(rfs, rf)
			placeholders = append(placeholders, placeholder)
		}
	}
	appendGroup(doc.Create, feature.ActionCreate)
	appendGroup(doc.Modify, feature.ActionModify)
	appendGroup(doc.Delete, feature.ActionDelete)

	if len(rfs) == 0 {
		return nil, errs.New(errs.MalformedInput, "osmChange carries no node operations")
	}

	result, err := s.mutator.MutateMany(ctx, rfs, comment, author)
	if err != nil {
		return nil, err
	}

	out := diffResultDoc{Version: apiVersion, Generator: generator}
	for i, entry := range result.Entries {
		if placeholders[i] == 0 {
			continue // modify/delete: client already knows the id, OSM diffResult omits it
		}
		newVersion := int64(1)
		if entry.NewVersion != nil {
			newVersion = *entry.NewVersion
		}
		out.Nodes = append(out.Nodes, diffNode{
			OldID:      placeholders[i],
			NewID:      entry.FeatureID,
			NewVersion: newVersion,
		})
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(out); err != nil {
		return nil, errs.Wrap(errs.Internal, "failed to render diffResult", err)
	}
	return buf.Bytes(), nil
}

// nodeToRawFeature translates one OSM node element into a RawFeature, and
// returns the client-supplied placeholder id when the action is a create
// (OSM ids for new elements are negative placeholders).
func nodeToRawFeature(n osmNode, action feature.Action) (feature.RawFeature, int64) {
	props := make(map[string]string, len(n.Tags))
	for _, t := range n.Tags {
		props[t.K] = t.V
	}
	propsJSON, _ := json.Marshal(props)

	rf := feature.RawFeature{
		Type:       "Feature",
		Action:     action,
		Properties: propsJSON,
	}
	if action != feature.ActionDelete {
		geomJSON, _ := json.Marshal(map[string]interface{}{
			"type":        "Point",
			"coordinates": []float64{n.Lon, n.Lat},
		})
		rf.Geometry = geomJSON
	}

	var placeholder int64
	if action == feature.ActionCreate {
		placeholder = n.ID // negative placeholder from JOSM
	} else {
		id := n.ID
		version := n.Version
		rf.ID = &id
		rf.Version = &version
	}
	return rf, placeholder
}

// Map renders OSM XML for every live feature intersecting bbox. MultiPoint
// lowers to a relation of type "multipoint"; MultiLineString to a relation
// of type "multilinestring".
func (s *Service) Map(ctx context.Context, bound orb.Bound) ([]byte, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, version, ST_AsBinary(geom), properties FROM geo
		WHERE deleted = false AND ST_Intersects(geom, ST_MakeEnvelope($1, $2, $3, $4, 4326))`,
		bound.Min[0], bound.Min[1], bound.Max[0], bound.Max[1])
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "map query failed", err)
	}
	defer rows.Close()

	me := &mapEncoder{doc: &osmDoc{
		Version:   apiVersion,
		Generator: generator,
		Bounds: &osmBounds{
			MinLon: bound.Min[0], MinLat: bound.Min[1],
			MaxLon: bound.Max[0], MaxLat: bound.Max[1],
		},
	}}

	for rows.Next() {
		var id, version int64
		var geomBin []byte
		var propsBin []byte
		if err := rows.Scan(&id, &version, &geomBin, &propsBin); err != nil {
			return nil, errs.Wrap(errs.Internal, "failed to scan map row", err)
		}
		g, err := geom.DecodeWKB(geomBin)
		if err != nil {
			return nil, err
		}
		tags := propertiesToTags(propsBin)
		me.appendFeature(id, version, g, tags)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.Internal, "map query aborted", err)
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(me.doc); err != nil {
		return nil, errs.Wrap(errs.Internal, "failed to render map XML", err)
	}
	return buf.Bytes(), nil
}

// mapEncoder accumulates the OSM elements of one map export. Nodes and ways
// synthesized for a feature's constituent geometry (the points of a
// MultiPoint, the vertices of a line) carry negative ids, decremented per
// document, so every relation member and nd reference resolves to an element
// in the same document and never collides with a real feature id.
type mapEncoder struct {
	doc    *osmDoc
	nextID int64
}

func (e *mapEncoder) synthID() int64 {
	e.nextID--
	return e.nextID
}

func (e *mapEncoder) addNode(pt orb.Point) int64 {
	id := e.synthID()
	e.doc.Nodes = append(e.doc.Nodes, osmNode{ID: id, Version: 1, Lon: pt[0], Lat: pt[1]})
	return id
}

func (e *mapEncoder) addWay(id, version int64, line orb.LineString, tags []osmTag) osmWay {
	way := osmWay{ID: id, Version: version, Tags: tags}
	for _, pt := range line {
		way.NodeRefs = append(way.NodeRefs, osmNodeRef{Ref: e.addNode(pt)})
	}
	e.doc.Ways = append(e.doc.Ways, way)
	return way
}

func (e *mapEncoder) appendFeature(id, version int64, g orb.Geometry, tags []osmTag) {
	switch geomT := g.(type) {
	case orb.Point:
		e.doc.Nodes = append(e.doc.Nodes, osmNode{ID: id, Version: version, Lon: geomT[0], Lat: geomT[1], Tags: tags})
	case orb.MultiPoint:
		rel := osmRelation{ID: id, Version: version, Tags: append(tags, osmTag{K: "type", V: "multipoint"})}
		for _, pt := range geomT {
			rel.Members = append(rel.Members, osmMember{Type: "node", Ref: e.addNode(pt), Role: "node"})
		}
		e.doc.Relations = append(e.doc.Relations, rel)
	case orb.LineString:
		e.addWay(id, version, geomT, tags)
	case orb.MultiLineString:
		rel := osmRelation{ID: id, Version: version, Tags: append(tags, osmTag{K: "type", V: "multilinestring"})}
		for _, line := range geomT {
			way := e.addWay(e.synthID(), 1, line, nil)
			rel.Members = append(rel.Members, osmMember{Type: "way", Ref: way.ID, Role: "line"})
		}
		e.doc.Relations = append(e.doc.Relations, rel)
	default:
		// Polygon/MultiPolygon carry no direct OSM v0.6 node/way analogue in
		// this shim's subset; they're simply omitted from the map export.
	}
}

func propertiesToTags(raw []byte) []osmTag {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	tags := make([]osmTag, 0, len(m))
	for k, v := range m {
		tags = append(tags, osmTag{K: k, V: fmt.Sprintf("%v", v)})
	}
	return tags
}
