package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"time"

	json "github.com/goccy/go-json"
)

// genesisHash is the prev_hash of the first entry.
const genesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// canonicalJSON encodes v with map keys sorted at every level, so the hash
// survives a JSONB round trip.
func canonicalJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var parsed any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&parsed); err != nil {
		return nil, err
	}
	return canonicalMarshal(parsed)
}

func canonicalMarshal(v any) ([]byte, error) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var buf bytes.Buffer
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			buf.Write(kb)
			buf.WriteByte(':')
			vb, err := canonicalMarshal(val[k])
			if err != nil {
				return nil, err
			}
			buf.Write(vb)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	case []any:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			ib, err := canonicalMarshal(item)
			if err != nil {
				return nil, err
			}
			buf.Write(ib)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	default:
		return json.Marshal(val)
	}
}

// entryHash chains e onto prev. Timestamps are hashed in UTC at microsecond
// precision, which is what Postgres stores.
func entryHash(prev string, e Event) (string, error) {
	data := map[string]any{
		"prev_hash":   prev,
		"patient_id":  e.PatientID.String(),
		"outcome":     e.Outcome,
		"occurred_at": e.OccurredAt.UTC().Truncate(time.Microsecond).Format(time.RFC3339Nano),
	}
	if e.CalculationID != nil {
		data["calculation_id"] = e.CalculationID.String()
	}
	if e.ServiceID != nil {
		data["service_id"] = e.ServiceID.String()
	}
	if e.Code != "" {
		data["code"] = e.Code
	}
	if len(e.Detail) > 0 {
		data["detail"] = e.Detail
	}
	raw, err := canonicalJSON(data)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
