package entities

import (
	"encoding/json"

	"driftline/internal/api"
	"driftline/internal/model"
)

// Normalize flattens one raw payload into its normalized record plus every
// nested related entity, grouped by kind (the top-level record included).
// It is a pure function of its input: the same payload always yields the
// same output. A visited set guards against self-referential payloads, e.g.
// a status whose reblog field points back at itself.
func Normalize(kind model.Kind, raw json.RawMessage) (model.Record, map[model.Kind][]model.Record, error) {
	groups := make(map[model.Kind][]model.Record)
	seen := make(map[string]bool)
	rec, err := normalizeInto(kind, raw, groups, seen)
	if err != nil {
		return nil, nil, err
	}
	return rec, groups, nil
}

func normalizeInto(kind model.Kind, raw json.RawMessage, groups map[model.Kind][]model.Record, seen map[string]bool) (model.Record, error) {
	rec, related, err := model.Parse(kind, raw)
	if err != nil {
		return nil, &api.ValidationError{Kind: string(kind), Err: err}
	}
	key := string(kind) + "/" + rec.RecordID()
	if seen[key] {
		return rec, nil
	}
	seen[key] = true
	groups[kind] = append(groups[kind], rec)
	for _, r := range related {
		// An invalid nested payload drops that branch, not the parent.
		_, _ = normalizeInto(r.Kind, r.Raw, groups, seen)
	}
	return rec, nil
}
