package report

import "encoding/json"

// JSON renders r as canonical (indented, stable key order via struct field
// order) JSON for the on-disk smile-report.json artifact.
func JSON(r *Report) ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}
