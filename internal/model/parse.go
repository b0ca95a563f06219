package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Related is a nested payload discovered while parsing a record, to be
// normalized into its own table by the caller.
type Related struct {
	Kind Kind
	Raw  json.RawMessage
}

var errMissingID = errors.New("missing id")

// Parse parses one raw payload of the given kind into its normalized record
// plus any nested related payloads found inside it.
func Parse(kind Kind, raw []byte) (Record, []Related, error) {
	switch kind {
	case KindAccount:
		r, rel, err := ParseAccount(raw)
		return r, rel, err
	case KindStatus:
		r, rel, err := ParseStatus(raw)
		return r, rel, err
	case KindRelationship:
		r, err := ParseRelationship(raw)
		return r, nil, err
	case KindGroup:
		r, err := ParseGroup(raw)
		return r, nil, err
	case KindGroupRelationship:
		r, err := ParseGroupRelationship(raw)
		return r, nil, err
	case KindPoll:
		r, err := ParsePoll(raw)
		return r, nil, err
	case KindNotification:
		r, rel, err := ParseNotification(raw)
		return r, rel, err
	case KindConversation:
		r, rel, err := ParseConversation(raw)
		return r, rel, err
	case KindChat:
		r, rel, err := ParseChat(raw)
		return r, rel, err
	case KindAnnouncement:
		r, err := ParseAnnouncement(raw)
		return r, nil, err
	default:
		return nil, nil, fmt.Errorf("no parser for kind %q", kind)
	}
}

// refID resolves a field that may be absent, a bare id string, or a full
// nested object. Full objects are returned as related payloads; objects
// without an id are treated as absent rather than failing the record.
func refID(raw json.RawMessage, kind Kind, rel *[]Related) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	if raw[0] == '"' {
		var id string
		if err := json.Unmarshal(raw, &id); err != nil {
			return ""
		}
		return id
	}
	var v struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &v); err != nil || v.ID == "" {
		return ""
	}
	*rel = append(*rel, Related{Kind: kind, Raw: raw})
	return v.ID
}

// ParseAccount parses a raw account payload.
func ParseAccount(raw []byte) (Account, []Related, error) {
	var v struct {
		ID             string    `json:"id"`
		Username       string    `json:"username"`
		Acct           string    `json:"acct"`
		DisplayName    string    `json:"display_name"`
		Note           string    `json:"note"`
		URL            string    `json:"url"`
		Avatar         string    `json:"avatar"`
		CreatedAt      time.Time `json:"created_at"`
		FollowersCount int       `json:"followers_count"`
		FollowingCount int       `json:"following_count"`
		StatusesCount  int       `json:"statuses_count"`
		Bot            bool      `json:"bot"`
		Locked         bool      `json:"locked"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return Account{}, nil, err
	}
	if v.ID == "" {
		return Account{}, nil, errMissingID
	}
	if v.Acct == "" {
		v.Acct = v.Username
	}
	return Account{
		ID:             v.ID,
		Username:       v.Username,
		Acct:           v.Acct,
		DisplayName:    v.DisplayName,
		Note:           v.Note,
		URL:            v.URL,
		Avatar:         v.Avatar,
		CreatedAt:      v.CreatedAt,
		FollowersCount: v.FollowersCount,
		FollowingCount: v.FollowingCount,
		StatusesCount:  v.StatusesCount,
		Bot:            v.Bot,
		Locked:         v.Locked,
	}, nil, nil
}

// ParseStatus parses a raw status payload. Nested author, reblog, quote,
// poll, group and mention payloads come back as related entries.
func ParseStatus(raw []byte) (Status, []Related, error) {
	var v struct {
		ID                 string            `json:"id"`
		CreatedAt          time.Time         `json:"created_at"`
		EditedAt           *time.Time        `json:"edited_at"`
		Content            string            `json:"content"`
		SpoilerText        string            `json:"spoiler_text"`
		Visibility         string            `json:"visibility"`
		Language           string            `json:"language"`
		URL                string            `json:"url"`
		InReplyToID        string            `json:"in_reply_to_id"`
		InReplyToAccountID string            `json:"in_reply_to_account_id"`
		Account            json.RawMessage   `json:"account"`
		Reblog             json.RawMessage   `json:"reblog"`
		Quote              json.RawMessage   `json:"quote"`
		Poll               json.RawMessage   `json:"poll"`
		Group              json.RawMessage   `json:"group"`
		Mentions           []json.RawMessage `json:"mentions"`
		RepliesCount       int               `json:"replies_count"`
		ReblogsCount       int               `json:"reblogs_count"`
		FavouritesCount    int               `json:"favourites_count"`
		Favourited         bool              `json:"favourited"`
		Reblogged          bool              `json:"reblogged"`
		Bookmarked         bool              `json:"bookmarked"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return Status{}, nil, err
	}
	if v.ID == "" {
		return Status{}, nil, errMissingID
	}
	if v.Visibility == "" {
		v.Visibility = "public"
	}
	var rel []Related
	s := Status{
		ID:                 v.ID,
		CreatedAt:          v.CreatedAt,
		EditedAt:           v.EditedAt,
		Content:            v.Content,
		SpoilerText:        v.SpoilerText,
		Visibility:         v.Visibility,
		Language:           v.Language,
		URL:                v.URL,
		InReplyToID:        v.InReplyToID,
		InReplyToAccountID: v.InReplyToAccountID,
		AccountID:          refID(v.Account, KindAccount, &rel),
		ReblogID:           refID(v.Reblog, KindStatus, &rel),
		QuoteID:            refID(v.Quote, KindStatus, &rel),
		PollID:             refID(v.Poll, KindPoll, &rel),
		GroupID:            refID(v.Group, KindGroup, &rel),
		RepliesCount:       v.RepliesCount,
		ReblogsCount:       v.ReblogsCount,
		FavouritesCount:    v.FavouritesCount,
		Favourited:         v.Favourited,
		Reblogged:          v.Reblogged,
		Bookmarked:         v.Bookmarked,
	}
	for _, m := range v.Mentions {
		if id := refID(m, KindAccount, &rel); id != "" {
			s.MentionIDs = append(s.MentionIDs, id)
		}
	}
	return s, rel, nil
}

// ParseRelationship parses a raw relationship payload.
func ParseRelationship(raw []byte) (Relationship, error) {
	var v struct {
		ID         string `json:"id"`
		Following  bool   `json:"following"`
		FollowedBy bool   `json:"followed_by"`
		Blocking   bool   `json:"blocking"`
		BlockedBy  bool   `json:"blocked_by"`
		Muting     bool   `json:"muting"`
		Requested  bool   `json:"requested"`
		Note       string `json:"note"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return Relationship{}, err
	}
	if v.ID == "" {
		return Relationship{}, errMissingID
	}
	return Relationship(v), nil
}

// ParseGroup parses a raw group payload.
func ParseGroup(raw []byte) (Group, error) {
	var v struct {
		ID           string `json:"id"`
		DisplayName  string `json:"display_name"`
		Note         string `json:"note"`
		Avatar       string `json:"avatar"`
		MembersCount int    `json:"members_count"`
		Locked       bool   `json:"locked"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return Group{}, err
	}
	if v.ID == "" {
		return Group{}, errMissingID
	}
	return Group(v), nil
}

// ParseGroupRelationship parses a raw group relationship payload.
func ParseGroupRelationship(raw []byte) (GroupRelationship, error) {
	var v struct {
		ID        string `json:"id"`
		Member    bool   `json:"member"`
		Requested bool   `json:"requested"`
		Role      string `json:"role"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return GroupRelationship{}, err
	}
	if v.ID == "" {
		return GroupRelationship{}, errMissingID
	}
	return GroupRelationship(v), nil
}

// ParsePoll parses a raw poll payload.
func ParsePoll(raw []byte) (Poll, error) {
	var v struct {
		ID         string     `json:"id"`
		ExpiresAt  *time.Time `json:"expires_at"`
		Expired    bool       `json:"expired"`
		Multiple   bool       `json:"multiple"`
		VotesCount int        `json:"votes_count"`
		Voted      bool       `json:"voted"`
		Options    []struct {
			Title      string `json:"title"`
			VotesCount int    `json:"votes_count"`
		} `json:"options"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return Poll{}, err
	}
	if v.ID == "" {
		return Poll{}, errMissingID
	}
	p := Poll{
		ID:         v.ID,
		ExpiresAt:  v.ExpiresAt,
		Expired:    v.Expired,
		Multiple:   v.Multiple,
		VotesCount: v.VotesCount,
		Voted:      v.Voted,
	}
	for _, o := range v.Options {
		p.Options = append(p.Options, PollOption{Title: o.Title, VotesCount: o.VotesCount})
	}
	return p, nil
}

// ParseNotification parses a raw notification payload. The actor account and
// target status come back as related entries.
func ParseNotification(raw []byte) (Notification, []Related, error) {
	var v struct {
		ID        string          `json:"id"`
		Type      string          `json:"type"`
		CreatedAt time.Time       `json:"created_at"`
		Account   json.RawMessage `json:"account"`
		Status    json.RawMessage `json:"status"`
		Emoji     string          `json:"emoji"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return Notification{}, nil, err
	}
	if v.ID == "" {
		return Notification{}, nil, errMissingID
	}
	if v.Type == "" {
		return Notification{}, nil, errors.New("missing notification type")
	}
	var rel []Related
	return Notification{
		ID:        v.ID,
		Type:      v.Type,
		CreatedAt: v.CreatedAt,
		AccountID: refID(v.Account, KindAccount, &rel),
		StatusID:  refID(v.Status, KindStatus, &rel),
		Emoji:     v.Emoji,
	}, rel, nil
}

// ParseConversation parses a raw conversation payload.
func ParseConversation(raw []byte) (Conversation, []Related, error) {
	var v struct {
		ID         string            `json:"id"`
		Accounts   []json.RawMessage `json:"accounts"`
		LastStatus json.RawMessage   `json:"last_status"`
		Unread     bool              `json:"unread"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return Conversation{}, nil, err
	}
	if v.ID == "" {
		return Conversation{}, nil, errMissingID
	}
	var rel []Related
	c := Conversation{ID: v.ID, Unread: v.Unread}
	c.LastStatusID = refID(v.LastStatus, KindStatus, &rel)
	for _, a := range v.Accounts {
		if id := refID(a, KindAccount, &rel); id != "" {
			c.AccountIDs = append(c.AccountIDs, id)
		}
	}
	return c, rel, nil
}

// ParseChat parses a raw chat payload.
func ParseChat(raw []byte) (Chat, []Related, error) {
	var v struct {
		ID          string          `json:"id"`
		Account     json.RawMessage `json:"account"`
		LastMessage json.RawMessage `json:"last_message"`
		Unread      int             `json:"unread"`
		UpdatedAt   time.Time       `json:"updated_at"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return Chat{}, nil, err
	}
	if v.ID == "" {
		return Chat{}, nil, errMissingID
	}
	var rel []Related
	c := Chat{ID: v.ID, Unread: v.Unread, UpdatedAt: v.UpdatedAt}
	c.AccountID = refID(v.Account, KindAccount, &rel)
	if len(v.LastMessage) > 0 && string(v.LastMessage) != "null" {
		var lm struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(v.LastMessage, &lm); err == nil {
			c.LastMessageID = lm.ID
		}
	}
	return c, rel, nil
}

// ParseAnnouncement parses a raw announcement payload.
func ParseAnnouncement(raw []byte) (Announcement, error) {
	var v struct {
		ID          string    `json:"id"`
		Content     string    `json:"content"`
		PublishedAt time.Time `json:"published_at"`
		Read        bool      `json:"read"`
		Reactions   []struct {
			Name  string `json:"name"`
			Count int    `json:"count"`
			Me    bool   `json:"me"`
		} `json:"reactions"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return Announcement{}, err
	}
	if v.ID == "" {
		return Announcement{}, errMissingID
	}
	a := Announcement{ID: v.ID, Content: v.Content, PublishedAt: v.PublishedAt, Read: v.Read}
	for _, r := range v.Reactions {
		a.Reactions = append(a.Reactions, AnnouncementReaction{Name: r.Name, Count: r.Count, Me: r.Me})
	}
	return a, nil
}

// ParseMarkers parses the per-timeline marker map payload into one marker
// record per timeline.
func ParseMarkers(raw []byte) ([]Marker, error) {
	var v map[string]struct {
		LastReadID string    `json:"last_read_id"`
		Version    int       `json:"version"`
		UpdatedAt  time.Time `json:"updated_at"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	out := make([]Marker, 0, len(v))
	for timeline, m := range v {
		out = append(out, Marker{ID: timeline, LastReadID: m.LastReadID, Version: m.Version, UpdatedAt: m.UpdatedAt})
	}
	return out, nil
}
