// Package ddbjson extracts the handful of fields the rest of the ddbq
// daemon needs out of DynamoDB JSON response bodies (spec §6.5):
// consumed capacity, table billing mode and provisioned throughput,
// and a GetItem value. The original (dynamodb_request_queue.c's
// extractcapacity, capacity.c's callback_readmetadata, dynamodb_kv.c's
// dynamodb_kv_extractv) does this with json_find, a generic
// depth-first key scanner paired with manual digit-scanning and
// strtod/strtol against a possibly non-NUL-terminated buffer offset.
// That's one of spec §9's Open Questions (bounds safety); this package
// resolves it by decoding into typed, bounded Go structs with
// encoding/json instead, which is the spec-sanctioned "JSON key-lookup
// scanner" external collaborator realized as a bounded decode rather
// than a raw scan.
package ddbjson

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
)

// throttleMarker is searched for as a literal byte substring, not a
// JSON field, mirroring isthrottle exactly: DynamoDB's throttling
// error body isn't always a well-formed JSON object in every observed
// edge case, so a substring scan is the robust choice the original
// makes deliberately (spec §6.5, SPEC_FULL.md §3).
const throttleMarker = "#ProvisionedThroughputExceededException"

// IsThrottle reports whether body is a
// ProvisionedThroughputExceededException response.
func IsThrottle(body []byte) bool {
	return bytes.Contains(body, []byte(throttleMarker))
}

type consumedCapacityBody struct {
	ConsumedCapacity *struct {
		CapacityUnits json.Number `json:"CapacityUnits"`
	} `json:"ConsumedCapacity"`
}

// ExtractCapacity reads ConsumedCapacity.CapacityUnits from any
// DynamoDB response body that carries one (every op, on success or
// failure, when ReturnConsumedCapacity was requested). found is false
// if the field is absent or the body doesn't parse. A present but
// out-of-range value (DynamoDB is documented to return [0, 400], but
// the original treats a violation as non-fatal) is reported as 0,
// matching extractcapacity's warn-and-default-to-zero behavior.
func ExtractCapacity(body []byte) (units float64, found bool) {
	var v consumedCapacityBody
	if err := json.Unmarshal(body, &v); err != nil || v.ConsumedCapacity == nil {
		return 0, false
	}
	c, err := v.ConsumedCapacity.CapacityUnits.Float64()
	if err != nil {
		return 0, false
	}
	if c < 0 || c > 400 {
		return 0, true
	}
	return c, true
}

type describeTableBody struct {
	Table struct {
		BillingModeSummary struct {
			BillingMode string `json:"BillingMode"`
		} `json:"BillingModeSummary"`
		ProvisionedThroughput struct {
			ReadCapacityUnits  json.Number `json:"ReadCapacityUnits"`
			WriteCapacityUnits json.Number `json:"WriteCapacityUnits"`
		} `json:"ProvisionedThroughput"`
	} `json:"Table"`
}

// BillingMode reads Table.BillingModeSummary.BillingMode from a
// DescribeTable response. The field is absent on tables that have
// never left provisioned-capacity mode (a pre-existing DynamoDB
// backwards-compatibility quirk the capacity reader must tolerate, per
// capacity.c's comment), in which case found is false and the caller
// should fall back to ProvisionedThroughput.
func BillingMode(body []byte) (mode string, found bool) {
	var v describeTableBody
	if err := json.Unmarshal(body, &v); err != nil {
		return "", false
	}
	if v.Table.BillingModeSummary.BillingMode == "" {
		return "", false
	}
	return v.Table.BillingModeSummary.BillingMode, true
}

// ProvisionedThroughput reads Table.ProvisionedThroughput.{Read,Write}CapacityUnits
// from a DescribeTable response.
func ProvisionedThroughput(body []byte) (read, write float64, ok bool) {
	var v describeTableBody
	if err := json.Unmarshal(body, &v); err != nil {
		return 0, 0, false
	}
	r, err := v.Table.ProvisionedThroughput.ReadCapacityUnits.Float64()
	if err != nil {
		return 0, 0, false
	}
	w, err := v.Table.ProvisionedThroughput.WriteCapacityUnits.Float64()
	if err != nil {
		return 0, 0, false
	}
	return r, w, true
}

type getItemBody struct {
	Item *struct {
		V *struct {
			B string `json:"B"`
		} `json:"V"`
	} `json:"Item"`
}

// ItemValue extracts and base64-decodes Item.V.B from a GetItem
// response body, mirroring dynamodb_kv_extractv. found is false if
// there is no such field (a miss, or a tombstone with no "V" attribute)
// or the base64 payload fails to decode.
func ItemValue(body []byte) (value []byte, found bool) {
	if len(body) == 0 {
		return nil, false
	}
	var v getItemBody
	if err := json.Unmarshal(body, &v); err != nil || v.Item == nil || v.Item.V == nil {
		return nil, false
	}
	decoded, err := base64.StdEncoding.DecodeString(v.Item.V.B)
	if err != nil {
		return nil, false
	}
	return decoded, true
}
