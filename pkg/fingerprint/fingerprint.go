// Package fingerprint derives stable cache keys from generation
// requests. Two semantically equal requests must hash to the same key
// regardless of optional-parameter ordering or absent-vs-null
// distinctions, so the request is first normalized into a canonical
// structure and then serialized as compact, key-sorted JSON before
// hashing.
package fingerprint

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/parrot-ai/parrot/pkg/models"
)

// Params is the open set of extra request parameters included in a
// fingerprint. Nil values are excluded entirely, so an explicitly-unset
// parameter hashes the same as one never provided.
type Params map[string]any

// Chat fingerprints a conversational request.
func Chat(messages []models.Message, model string, params Params) string {
	data := map[string]any{
		"messages": normalizeMessages(messages),
		"model":    model,
	}
	mergeParams(data, params)
	return digest(data)
}

// Completion fingerprints a single-prompt request.
func Completion(prompt, model string, params Params) string {
	data := map[string]any{
		"prompt": prompt,
		"model":  model,
	}
	mergeParams(data, params)
	return digest(data)
}

// normalizeMessages keeps role and content unconditionally and the
// auxiliary fields only when present, in a fixed canonical shape.
func normalizeMessages(messages []models.Message) []map[string]any {
	out := make([]map[string]any, 0, len(messages))
	for _, m := range messages {
		norm := map[string]any{
			"role":    m.Role,
			"content": decodeRaw(m.Content),
		}
		if m.Name != "" {
			norm["name"] = m.Name
		}
		if len(m.ToolCalls) > 0 {
			norm["tool_calls"] = decodeRaw(m.ToolCalls)
		}
		if m.ToolCallID != "" {
			norm["tool_call_id"] = m.ToolCallID
		}
		out = append(out, norm)
	}
	return out
}

// mergeParams copies non-nil params into data. Keys are sorted for a
// deterministic walk even though map marshaling re-sorts them anyway.
func mergeParams(data map[string]any, params Params) {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if v := params[k]; v != nil {
			data[k] = normalizeValue(v)
		}
	}
}

// normalizeValue re-decodes raw JSON values so that incidental
// whitespace or key ordering inside them cannot leak into the digest.
func normalizeValue(v any) any {
	if raw, ok := v.(json.RawMessage); ok {
		return decodeRaw(raw)
	}
	return v
}

func decodeRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return ""
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

// digest serializes data as canonical JSON and returns its SHA-256 hex.
// encoding/json emits compact output with object keys in sorted order
// for maps, which is exactly the canonical form required.
func digest(data map[string]any) string {
	canonical, err := json.Marshal(data)
	if err != nil {
		// Only unmarshalable values (chans, funcs) can land here, and
		// the normalized structure contains none.
		panic(fmt.Sprintf("fingerprint: marshal canonical form: %v", err))
	}
	return fmt.Sprintf("%x", sha256.Sum256(canonical))
}
