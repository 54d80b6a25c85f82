package protocol

import "encoding/json"

// fields is a lenient view of a JSON object: accessors return zero values
// for missing keys and for values of the wrong JSON type, so a single odd
// field never fails the whole message.
type fields map[string]json.RawMessage

func objectFields(raw json.RawMessage) (fields, bool) {
	var f fields
	if err := json.Unmarshal(raw, &f); err != nil || f == nil {
		return nil, false
	}
	return f, true
}

func (f fields) strOK(key string) (string, bool) {
	raw, ok := f[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func (f fields) str(key string) string {
	s, _ := f.strOK(key)
	return s
}

func (f fields) object(key string) (fields, bool) {
	raw, ok := f[key]
	if !ok {
		return nil, false
	}
	return objectFields(raw)
}

func (f fields) array(key string) []json.RawMessage {
	raw, ok := f[key]
	if !ok {
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	return items
}
