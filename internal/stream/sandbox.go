package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pka/hecate/internal/errs"
)

// DefaultStatementTimeout bounds a sandboxed query's execution so a
// pathological SELECT plan cannot hold a sandbox connection indefinitely.
const DefaultStatementTimeout = 30 * time.Second

var (
	selectPrefix  = regexp.MustCompile(`(?is)^\s*select\b`)
	forbiddenStmt = regexp.MustCompile(`(?is)\b(insert|update|delete|drop|alter|truncate|grant|revoke|create|call|copy|vacuum|execute)\b`)
	multiStmt     = regexp.MustCompile(`;\s*\S`)

	// fromClause captures everything between FROM and the next clause
	// boundary, so a comma-joined FROM list (SELECT * FROM geo, other_table)
	// is checked in full rather than just its first identifier.
	fromClause = regexp.MustCompile(`(?is)\bfrom\s+(.+?)(?:\bwhere\b|\bgroup\b|\border\b|\blimit\b|\bjoin\b|\bon\b|\busing\b|\bleft\b|\bright\b|\binner\b|\bouter\b|\bcross\b|\bhaving\b|\bunion\b|;|$)`)

	// joinTarget captures the table named after each JOIN keyword; checked
	// separately because the fromClause capture stops at the JOIN boundary.
	joinTarget = regexp.MustCompile(`(?is)\bjoin\s+([^\s,;()]+)`)
)

// validateSandboxSQL enforces the sandbox rules: a single SELECT statement
// referencing only the geo table.
func validateSandboxSQL(query string) error {
	trimmed := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(query), ";"))
	if trimmed == "" {
		return errs.New(errs.SandboxViolation, "query must not be empty")
	}
	if multiStmt.MatchString(query) {
		return errs.New(errs.SandboxViolation, "only a single statement is permitted")
	}
	if !selectPrefix.MatchString(trimmed) {
		return errs.New(errs.SandboxViolation, "only SELECT statements are permitted")
	}
	if forbiddenStmt.MatchString(trimmed) {
		return errs.New(errs.SandboxViolation, "query contains a disallowed keyword")
	}
	for _, m := range fromClause.FindAllStringSubmatch(trimmed, -1) {
		for _, ref := range strings.Split(m[1], ",") {
			ref = strings.TrimSpace(ref)
			if ref == "" {
				continue
			}
			table := strings.ToLower(strings.Fields(ref)[0])
			if table != "geo" {
				return errs.New(errs.SandboxViolation, "query may only reference the geo table")
			}
		}
	}
	for _, m := range joinTarget.FindAllStringSubmatch(trimmed, -1) {
		if strings.ToLower(m[1]) != "geo" {
			return errs.New(errs.SandboxViolation, "query may only reference the geo table")
		}
	}
	return nil
}

// ValidateQuery exposes the sandbox SQL check so HTTP handlers can reject a
// malformed or disallowed query before committing any response headers.
func ValidateQuery(query string) error {
	return validateSandboxSQL(query)
}

// Query runs a user-supplied SELECT against the sandbox pool, bounded by
// DefaultStatementTimeout, and streams each row. Rows whose columns include
// both "geometry" and "properties" are assembled into a GeoJSON feature;
// otherwise the raw row is serialized.
func (r *Reader) Query(ctx context.Context, rawSQL string, limit int, w io.Writer) error {
	if err := validateSandboxSQL(rawSQL); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, DefaultStatementTimeout)
	defer cancel()

	query := rawSQL
	if limit > 0 {
		query = strings.TrimSuffix(strings.TrimSpace(rawSQL), ";") + " LIMIT " + strconv.Itoa(limit)
	}

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return errs.Wrap(errs.SandboxViolation, "sandboxed query failed", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return errs.Wrap(errs.Internal, "failed to read result columns", err)
	}
	geomIdx, propsIdx := -1, -1
	for i, c := range cols {
		switch strings.ToLower(c) {
		case "geometry":
			geomIdx = i
		case "properties":
			propsIdx = i
		}
	}

	bw := bufio.NewWriter(w)
	values := make([]interface{}, len(cols))
	ptrs := make([]interface{}, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return errs.Wrap(errs.Internal, "failed to scan sandbox row", err)
		}
		var line []byte
		var err error
		if geomIdx >= 0 && propsIdx >= 0 {
			line, err = encodeSandboxFeatureRow(cols, values, geomIdx, propsIdx)
		} else {
			line, err = encodeRawRow(cols, values)
		}
		if err != nil {
			return err
		}
		if _, err := bw.Write(line); err != nil {
			return errs.Wrap(errs.Internal, "failed to write stream", err)
		}
		if err := bw.WriteByte('\n'); err != nil {
			return errs.Wrap(errs.Internal, "failed to write stream", err)
		}
	}
	if err := rows.Err(); err != nil {
		return errs.Wrap(errs.Internal, "sandbox stream aborted", err)
	}
	if err := bw.WriteByte(EOT); err != nil {
		return errs.Wrap(errs.Internal, "failed to write stream terminator", err)
	}
	return bw.Flush()
}

func encodeSandboxFeatureRow(cols []string, values []interface{}, geomIdx, propsIdx int) ([]byte, error) {
	out := map[string]interface{}{"type": "Feature"}
	if geomBin, ok := values[geomIdx].([]byte); ok {
		out["geometry"] = json.RawMessage(geomBin)
	}
	if propsBin, ok := values[propsIdx].([]byte); ok {
		out["properties"] = json.RawMessage(propsBin)
	}
	for i, c := range cols {
		if i == geomIdx || i == propsIdx {
			continue
		}
		out[c] = values[i]
	}
	return json.Marshal(out)
}

func encodeRawRow(cols []string, values []interface{}) ([]byte, error) {
	out := make(map[string]interface{}, len(cols))
	for i, c := range cols {
		out[c] = values[i]
	}
	return json.Marshal(out)
}
