package model

import "time"

// Kind is the closed set of entity kinds the cache knows about.
// Each kind has its own record table in the store.
type Kind string

const (
	KindAccount           Kind = "account"
	KindStatus            Kind = "status"
	KindRelationship      Kind = "relationship"
	KindGroup             Kind = "group"
	KindGroupRelationship Kind = "group_relationship"
	KindPoll              Kind = "poll"
	KindNotification      Kind = "notification"
	KindMarker            Kind = "marker"
	KindConversation      Kind = "conversation"
	KindChat              Kind = "chat"
	KindAnnouncement      Kind = "announcement"
	KindFilter            Kind = "filter"
)

// Record is the normalized storage form of an entity. Related entities are
// referenced by id only; a record never embeds a record of another kind.
type Record interface {
	RecordID() string
	RecordKind() Kind
}

// Account is a normalized account record.
type Account struct {
	ID             string
	Username       string
	Acct           string
	DisplayName    string
	Note           string
	URL            string
	Avatar         string
	CreatedAt      time.Time
	FollowersCount int
	FollowingCount int
	StatusesCount  int
	Bot            bool
	Locked         bool
}

func (a Account) RecordID() string { return a.ID }
func (a Account) RecordKind() Kind { return KindAccount }

// PartialRecord reports whether this account came from a partial payload
// (e.g. a mention, which has no created_at) that must not clobber a
// previously stored full record.
func (a Account) PartialRecord() bool { return a.CreatedAt.IsZero() }

// Status is a normalized post record. Nested author/reblog/quote/poll/group
// payloads are flattened into their own tables and referenced here by id.
type Status struct {
	ID                 string
	AccountID          string
	Content            string
	SpoilerText        string
	Visibility         string
	Language           string
	CreatedAt          time.Time
	EditedAt           *time.Time
	URL                string
	InReplyToID        string
	InReplyToAccountID string
	ReblogID           string
	QuoteID            string
	PollID             string
	GroupID            string
	MentionIDs         []string
	RepliesCount       int
	ReblogsCount       int
	FavouritesCount    int
	Favourited         bool
	Reblogged          bool
	Bookmarked         bool
}

func (s Status) RecordID() string { return s.ID }
func (s Status) RecordKind() Kind { return KindStatus }

// Relationship describes our relation to another account. Its id is the
// other account's id.
type Relationship struct {
	ID         string
	Following  bool
	FollowedBy bool
	Blocking   bool
	BlockedBy  bool
	Muting     bool
	Requested  bool
	Note       string
}

func (r Relationship) RecordID() string { return r.ID }
func (r Relationship) RecordKind() Kind { return KindRelationship }

// Group is a normalized group record.
type Group struct {
	ID           string
	DisplayName  string
	Note         string
	Avatar       string
	MembersCount int
	Locked       bool
}

func (g Group) RecordID() string { return g.ID }
func (g Group) RecordKind() Kind { return KindGroup }

// GroupRelationship describes our membership in a group; its id is the
// group's id.
type GroupRelationship struct {
	ID        string
	Member    bool
	Requested bool
	Role      string
}

func (g GroupRelationship) RecordID() string { return g.ID }
func (g GroupRelationship) RecordKind() Kind { return KindGroupRelationship }

// PollOption is one choice inside a poll. Plain value data, not an entity.
type PollOption struct {
	Title      string
	VotesCount int
}

// Poll is a normalized poll record.
type Poll struct {
	ID         string
	ExpiresAt  *time.Time
	Expired    bool
	Multiple   bool
	VotesCount int
	Voted      bool
	Options    []PollOption
}

func (p Poll) RecordID() string { return p.ID }
func (p Poll) RecordKind() Kind { return KindPoll }

// Notification is a normalized notification record. AccountID is the actor;
// StatusID is set for post-targeted types; Emoji distinguishes reaction
// notifications carrying different reactions.
type Notification struct {
	ID        string
	Type      string
	CreatedAt time.Time
	AccountID string
	StatusID  string
	Emoji     string
}

func (n Notification) RecordID() string { return n.ID }
func (n Notification) RecordKind() Kind { return KindNotification }

// Marker records the last-read position of one timeline; its id is the
// timeline name.
type Marker struct {
	ID         string
	LastReadID string
	Version    int
	UpdatedAt  time.Time
}

func (m Marker) RecordID() string { return m.ID }
func (m Marker) RecordKind() Kind { return KindMarker }

// Conversation is a normalized direct-conversation record.
type Conversation struct {
	ID           string
	AccountIDs   []string
	LastStatusID string
	Unread       bool
}

func (c Conversation) RecordID() string { return c.ID }
func (c Conversation) RecordKind() Kind { return KindConversation }

// Chat is a normalized chat record.
type Chat struct {
	ID            string
	AccountID     string
	LastMessageID string
	Unread        int
	UpdatedAt     time.Time
}

func (c Chat) RecordID() string { return c.ID }
func (c Chat) RecordKind() Kind { return KindChat }

// AnnouncementReaction is one reaction tally on an announcement.
type AnnouncementReaction struct {
	Name  string
	Count int
	Me    bool
}

// Announcement is a normalized instance announcement record.
type Announcement struct {
	ID          string
	Content     string
	PublishedAt time.Time
	Read        bool
	Reactions   []AnnouncementReaction
}

func (a Announcement) RecordID() string { return a.ID }
func (a Announcement) RecordKind() Kind { return KindAnnouncement }
