package journal

import (
	"encoding/json"
	"fmt"
)

// RawTopicGuard panics if payload, once marshaled to JSON, contains any of
// the aggregation-only field names. It is a programming error for a raw
// mirror topic to carry aggregation fields (spec.md §4.5); failing loudly
// here catches it at the point of publish rather than downstream.
func RawTopicGuard(topic string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	var asMap map[string]json.RawMessage
	if err := json.Unmarshal(raw, &asMap); err != nil {
		// Not a JSON object (e.g. a scalar or array payload); nothing to
		// guard against.
		return
	}
	for _, field := range aggregationFields {
		if _, present := asMap[field]; present {
			panic(fmt.Sprintf("journal: raw topic %q payload carries aggregation field %q", topic, field))
		}
	}
}
