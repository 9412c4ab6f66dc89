package memory

import (
	"slices"
	"time"
)

// SourceType classifies where a memory unit came from.
type SourceType string

const (
	SourceConversation SourceType = "conversation"
	SourceEmail        SourceType = "email"
	SourceDocument     SourceType = "document"
	SourceOther        SourceType = "other"
)

// EntityKind names a syncable domain entity type.
type EntityKind string

const (
	KindMemCell EntityKind = "memcell"
	KindProfile EntityKind = "profile"
)

// Entity is anything the sync service can project into a search index.
type Entity interface {
	EntityKind() EntityKind
	EntityID() string
	SyncVersion() int64
}

// MemCell is an atomic consolidated memory unit. It is immutable once stored.
type MemCell struct {
	EventID    string
	UserID     string
	GroupID    string
	Timestamp  time.Time
	SourceType SourceType
	Title      string
	Summary    string
	Episode    string
	Keywords   []string
	Embedding  []float32

	// Version is assigned by the store at first write.
	Version      int64
	ProfiledAtMS int64
}

func (c MemCell) EntityKind() EntityKind { return KindMemCell }
func (c MemCell) EntityID() string       { return c.EventID }
func (c MemCell) SyncVersion() int64     { return c.Version }

// Text returns the content used for embedding and full-text indexing.
func (c MemCell) Text() string {
	switch {
	case c.Episode != "":
		return c.Episode
	case c.Summary != "":
		return c.Summary
	default:
		return c.Title
	}
}

// Cluster groups related memory units within one group.
type Cluster struct {
	ID        string
	Centroid  []float32
	Members   []string
	LastSeen  time.Time
	CreatedAt time.Time
}

// ClusterState is the full clustering state for one group.
type ClusterState struct {
	GroupID     string
	Clusters    map[string]Cluster
	Assignments map[string]string
	Version     int64
	UpdatedAt   time.Time
}

// NewClusterState returns an empty state for groupID.
func NewClusterState(groupID string) ClusterState {
	return ClusterState{
		GroupID:     groupID,
		Clusters:    map[string]Cluster{},
		Assignments: map[string]string{},
	}
}

// Clone returns a deep copy of the state.
func (s ClusterState) Clone() ClusterState {
	out := ClusterState{
		GroupID:     s.GroupID,
		Clusters:    make(map[string]Cluster, len(s.Clusters)),
		Assignments: make(map[string]string, len(s.Assignments)),
		Version:     s.Version,
		UpdatedAt:   s.UpdatedAt,
	}
	for id, c := range s.Clusters {
		c.Centroid = slices.Clone(c.Centroid)
		c.Members = slices.Clone(c.Members)
		out.Clusters[id] = c
	}
	for eventID, clusterID := range s.Assignments {
		out.Assignments[eventID] = clusterID
	}
	return out
}

// ProfileFact is one extracted attribute of a user.
type ProfileFact struct {
	Key        string
	Value      string
	Confidence float64
	Version    int64
	SourceIDs  []string
	UpdatedAt  time.Time
}

// Profile is the derived, versioned summary of a user.
type Profile struct {
	UserID    string
	Version   int64
	Facts     map[string]ProfileFact
	SourceIDs []string
	UpdatedAt time.Time
}

func (p Profile) EntityKind() EntityKind { return KindProfile }
func (p Profile) EntityID() string       { return p.UserID }
func (p Profile) SyncVersion() int64     { return p.Version }

// Clone returns a deep copy of the profile.
func (p Profile) Clone() Profile {
	out := p
	out.SourceIDs = slices.Clone(p.SourceIDs)
	out.Facts = make(map[string]ProfileFact, len(p.Facts))
	for k, f := range p.Facts {
		f.SourceIDs = slices.Clone(f.SourceIDs)
		out.Facts[k] = f
	}
	return out
}

// SortedKeys returns fact keys in lexical order.
func (p Profile) SortedKeys() []string {
	keys := make([]string, 0, len(p.Facts))
	for k := range p.Facts {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// SyncTarget names a derived search index.
type SyncTarget string

const (
	TargetText   SyncTarget = "text"
	TargetVector SyncTarget = "vector"
)

// SyncOutcome is the result of one entity write against one target.
type SyncOutcome string

const (
	OutcomeSuccess SyncOutcome = "success"
	OutcomeFailure SyncOutcome = "failure"
	OutcomeSkipped SyncOutcome = "skipped"
)

// SyncRecord reports one (entity, target) write attempt.
type SyncRecord struct {
	Kind     EntityKind
	EntityID string
	Target   SyncTarget
	Version  int64
	Outcome  SyncOutcome
	Attempts int
	Err      error
}

// MemCellQuery filters memory units in the document store.
type MemCellQuery struct {
	UserID         string
	GroupID        string
	Since          time.Time
	Until          time.Time
	OnlyUnprofiled bool
	// AfterEventID pages by event id.
	AfterEventID string
	Limit        int
}

// ConsolidationCommit is written atomically at the end of a consolidation run.
type ConsolidationCommit struct {
	Cells []MemCell
	// State.Version must be exactly one above the stored version.
	State       ClusterState
	Profiles []Profile
	// ProfileBases holds, per user, the stored profile each entry of
	// Profiles was merged from. A listed user whose stored profile moved on
	// fails the commit with ErrStaleVersion.
	ProfileBases map[string]ProfileBase
	ProfiledIDs  []string
	Jobs         []Job
}

// ProfileBase identifies a stored profile revision. The zero value means no
// profile existed.
type ProfileBase struct {
	Version   int64
	UpdatedAt time.Time
}

// BaseOf returns the revision p was stored as.
func BaseOf(p Profile) ProfileBase {
	return ProfileBase{Version: p.Version, UpdatedAt: p.UpdatedAt}
}

// JobType values for background workers.
const (
	JobSync   = "sync"
	JobDelete = "delete"
	JobPrune  = "prune"
)

// JobStatus values.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// Job is a durable background task. Sync jobs double as the outbox for
// index writes committed with a consolidation run.
type Job struct {
	ID            string
	JobType       string
	ScopeKey      string
	Status        string
	Priority      int
	Attempts      int
	Payload       map[string]string
	Error         string
	RunAfterMS    int64
	LeaseUntilMS  int64
	CreatedAtMS   int64
	UpdatedAtMS   int64
	CompletedAtMS int64
}
