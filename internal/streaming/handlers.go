package streaming

import (
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"driftline/internal/entities"
	"driftline/internal/metrics"
	"driftline/internal/model"
)

// handle routes one decoded frame. Every entity-bearing event goes through
// the same MergeRaw path a fetch response takes, so the store cannot tell a
// push apart from a fetch.
func (d *Dispatcher) handle(t *topic, f Frame) {
	metrics.StreamEvents.WithLabelValues(f.Event).Inc()
	payload := json.RawMessage(f.Payload)
	switch f.Event {
	case "update":
		ids := d.store.MergeRaw(model.KindStatus, payload)
		if t.opts.ListKey != "" && len(ids) > 0 {
			d.store.AddToList(model.KindStatus, t.opts.ListKey, entities.PositionStart, ids...)
		}
	case "status.update":
		d.store.MergeRaw(model.KindStatus, payload)
	case "delete":
		if id := bareID(f.Payload); id != "" {
			d.store.Remove(model.KindStatus, id)
		}
	case "notification":
		ids := d.store.MergeRaw(model.KindNotification, payload)
		d.store.AddToList(model.KindNotification, entities.ListKeyNotifications, entities.PositionStart, ids...)
	case "conversation":
		ids := d.store.MergeRaw(model.KindConversation, payload)
		d.store.AddToList(model.KindConversation, entities.ListKeyConversations, entities.PositionStart, ids...)
	case "filters_changed":
		d.store.InvalidateKind(model.KindFilter)
	case "chat_update":
		ids := d.store.MergeRaw(model.KindChat, payload)
		d.store.AddToList(model.KindChat, entities.ListKeyChats, entities.PositionStart, ids...)
	case "chat_deleted":
		if id := bareID(f.Payload); id != "" {
			d.store.Remove(model.KindChat, id)
		}
	case "follow_relationships_update":
		d.handleFollowCounts(payload)
	case "announcement":
		d.store.MergeRaw(model.KindAnnouncement, payload)
	case "announcement.reaction":
		d.handleAnnouncementReaction(payload)
	case "announcement.delete":
		if id := bareID(f.Payload); id != "" {
			d.store.Remove(model.KindAnnouncement, id)
		}
	case "marker":
		markers, err := model.ParseMarkers(payload)
		if err != nil {
			d.log.Warn("bad marker payload", zap.Error(err))
			return
		}
		recs := make([]model.Record, len(markers))
		for i, m := range markers {
			recs[i] = m
		}
		d.store.Merge(recs...)
	default:
		d.log.Debug("unhandled stream event", zap.String("event", f.Event))
	}
}

// bareID extracts an id payload that may arrive as a JSON string or as the
// bare id text.
func bareID(payload string) string {
	s := strings.TrimSpace(payload)
	var id string
	if json.Unmarshal([]byte(s), &id) == nil {
		return id
	}
	return s
}

// follow_relationships_update carries fresh follower/following tallies for
// both sides of a follow edge. Counts are applied onto the current account
// snapshots and re-merged; accounts we have never seen are skipped.
func (d *Dispatcher) handleFollowCounts(raw json.RawMessage) {
	type side struct {
		ID             string `json:"id"`
		FollowerCount  int    `json:"follower_count"`
		FollowingCount int    `json:"following_count"`
	}
	var v struct {
		State     string `json:"state"`
		Follower  side   `json:"follower"`
		Following side   `json:"following"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		d.log.Warn("bad follow_relationships_update payload", zap.Error(err))
		return
	}
	for _, s := range []side{v.Follower, v.Following} {
		rec, ok := d.store.GetEntity(model.KindAccount, s.ID)
		if !ok {
			continue
		}
		acc, ok := rec.(model.Account)
		if !ok {
			continue
		}
		acc.FollowersCount = s.FollowerCount
		acc.FollowingCount = s.FollowingCount
		d.store.Merge(acc)
	}
}

// announcement.reaction updates one reaction tally on a cached announcement.
func (d *Dispatcher) handleAnnouncementReaction(raw json.RawMessage) {
	var v struct {
		Name           string `json:"name"`
		Count          int    `json:"count"`
		AnnouncementID string `json:"announcement_id"`
	}
	if err := json.Unmarshal(raw, &v); err != nil || v.AnnouncementID == "" {
		d.log.Warn("bad announcement.reaction payload", zap.Error(err))
		return
	}
	rec, ok := d.store.GetEntity(model.KindAnnouncement, v.AnnouncementID)
	if !ok {
		return
	}
	ann, ok := rec.(model.Announcement)
	if !ok {
		return
	}
	// Copy the slice; the stored record's backing array stays untouched.
	reactions := make([]model.AnnouncementReaction, len(ann.Reactions))
	copy(reactions, ann.Reactions)
	found := false
	for i := range reactions {
		if reactions[i].Name == v.Name {
			reactions[i].Count = v.Count
			found = true
			break
		}
	}
	if !found {
		reactions = append(reactions, model.AnnouncementReaction{Name: v.Name, Count: v.Count})
	}
	ann.Reactions = reactions
	d.store.Merge(ann)
}
