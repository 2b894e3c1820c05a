// Package canon implements the payload canonicalization scheme the
// ledger and matcher depend on: a recursively key-sorted JSON encoding
// used for fungibility hashing, and an asymmetric JSON-subtree
// containment test used by the matcher's payload compatibility check.
package canon

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// Payload is a (possibly empty) mapping of primitives, arrays, or
// nested objects, exactly as posted by a caller.
type Payload map[string]interface{}

// Marshal encodes a payload with every nested object's keys sorted, so
// that two payloads differing only in key order hash identically.
func Marshal(payload Payload) ([]byte, error) {
	if payload == nil {
		payload = Payload{}
	}
	return marshalValue(payload)
}

func marshalValue(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		return marshalObject(val)
	case []interface{}:
		return marshalArray(val)
	default:
		return json.Marshal(val)
	}
}

func marshalObject(obj map[string]interface{}) ([]byte, error) {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyBytes, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(keyBytes)
		buf.WriteByte(':')
		valBytes, err := marshalValue(obj[k])
		if err != nil {
			return nil, err
		}
		buf.Write(valBytes)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func marshalArray(arr []interface{}) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, v := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		b, err := marshalValue(v)
		if err != nil {
			return nil, err
		}
		buf.Write(b)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// Hash computes the fungibility discriminator: SHA-256 of the item
// name concatenated with the canonical JSON encoding of its payload.
func Hash(name string, payload Payload) string {
	sum := sha256.New()
	sum.Write([]byte(name))
	encoded, err := Marshal(payload)
	if err != nil {
		// Payloads are validated JSON-compatible values before reaching
		// here; a marshal failure means a caller smuggled in something
		// unencodable (e.g. a channel). Hash the empty object instead of
		// losing the distinction entirely.
		encoded = []byte("{}")
	}
	sum.Write(encoded)
	return hex.EncodeToString(sum.Sum(nil))
}

// Contains reports whether demand is a JSON-subtree of offer: every
// key present in demand must be present in offer with an equal value,
// recursively for nested objects. This is the asymmetric compatibility
// test the matcher uses for payload matching (spec §9).
func Contains(offer, demand Payload) bool {
	return containsValue(map[string]interface{}(offer), map[string]interface{}(demand))
}

func containsValue(offer, demand map[string]interface{}) bool {
	for k, demandVal := range demand {
		offerVal, ok := offer[k]
		if !ok {
			return false
		}
		if !valueContains(offerVal, demandVal) {
			return false
		}
	}
	return true
}

func valueContains(offerVal, demandVal interface{}) bool {
	demandObj, demandIsObj := demandVal.(map[string]interface{})
	offerObj, offerIsObj := offerVal.(map[string]interface{})
	if demandIsObj {
		if !offerIsObj {
			return false
		}
		return containsValue(offerObj, demandObj)
	}
	return equalScalar(offerVal, demandVal)
}

func equalScalar(a, b interface{}) bool {
	aBytes, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bBytes, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(aBytes, bBytes)
}
