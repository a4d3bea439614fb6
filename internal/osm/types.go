package osm

import "encoding/xml"

// osmDoc is the read-direction wire document for capabilities and map
// exports.
type osmDoc struct {
	XMLName   xml.Name      `xml:"osm"`
	Version   string        `xml:"version,attr"`
	Generator string        `xml:"generator,attr"`
	Bounds    *osmBounds    `xml:"bounds"`
	Nodes     []osmNode     `xml:"node"`
	Ways      []osmWay      `xml:"way"`
	Relations []osmRelation `xml:"relation"`
}

type osmBounds struct {
	MinLat float64 `xml:"minlat,attr"`
	MinLon float64 `xml:"minlon,attr"`
	MaxLat float64 `xml:"maxlat,attr"`
	MaxLon float64 `xml:"maxlon,attr"`
}

type osmNode struct {
	ID      int64    `xml:"id,attr"`
	Version int64    `xml:"version,attr"`
	Lat     float64  `xml:"lat,attr"`
	Lon     float64  `xml:"lon,attr"`
	Tags    []osmTag `xml:"tag"`
}

type osmTag struct {
	K string `xml:"k,attr"`
	V string `xml:"v,attr"`
}

type osmWay struct {
	ID       int64        `xml:"id,attr"`
	Version  int64        `xml:"version,attr"`
	NodeRefs []osmNodeRef `xml:"nd"`
	Tags     []osmTag     `xml:"tag"`
}

type osmNodeRef struct {
	Ref int64 `xml:"ref,attr"`
}

type osmRelation struct {
	ID      int64       `xml:"id,attr"`
	Version int64       `xml:"version,attr"`
	Members []osmMember `xml:"member"`
	Tags    []osmTag    `xml:"tag"`
}

type osmMember struct {
	Type string `xml:"type,attr"`
	Ref  int64  `xml:"ref,attr"`
	Role string `xml:"role,attr"`
}

// osmChangeDoc is the upload-direction wire document: a changeset diff
// grouped by operation. Way/Relation fields exist only so their presence can
// be detected and rejected.
type osmChangeDoc struct {
	XMLName xml.Name        `xml:"osmChange"`
	Create  *osmChangeGroup `xml:"create"`
	Modify  *osmChangeGroup `xml:"modify"`
	Delete  *osmChangeGroup `xml:"delete"`
}

type osmChangeGroup struct {
	Nodes     []osmNode     `xml:"node"`
	Ways      []osmWay      `xml:"way"`
	Relations []osmRelation `xml:"relation"`
}

func (g *osmChangeGroup) hasWayOrRelation() bool {
	return g != nil && (len(g.Ways) > 0 || len(g.Relations) > 0)
}

// changesetCreateDoc is the PUT changeset/create body: JOSM sends the
// changeset's tags, among them the comment that becomes the delta message.
type changesetCreateDoc struct {
	XMLName    xml.Name `xml:"osm"`
	Changesets []struct {
		Tags []osmTag `xml:"tag"`
	} `xml:"changeset"`
}

// diffResultDoc is the upload response: how client-supplied (possibly
// negative, placeholder) ids map onto allocated ids and versions.
type diffResultDoc struct {
	XMLName   xml.Name   `xml:"diffResult"`
	Version   string     `xml:"version,attr"`
	Generator string     `xml:"generator,attr"`
	Nodes     []diffNode `xml:"node"`
}

type diffNode struct {
	OldID      int64 `xml:"old_id,attr"`
	NewID      int64 `xml:"new_id,attr"`
	NewVersion int64 `xml:"new_version,attr"`
}
