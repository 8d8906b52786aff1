package memory

import "time"

// Scope controls which personas can see a record.
type Scope string

const (
	ScopePersona Scope = "persona"
	ScopeShared  Scope = "shared"
)

// MemoryType classifies what kind of knowledge a record holds.
type MemoryType string

const (
	TypeProfile    MemoryType = "profile"
	TypePreference MemoryType = "preference"
	TypeSemantic   MemoryType = "semantic"
	TypeEpisodic   MemoryType = "episodic"
	TypeTask       MemoryType = "task"
	TypeOther      MemoryType = "other"
)

// RecordStatus is the one-way lifecycle: active -> archived -> deleted.
type RecordStatus string

const (
	StatusActive   RecordStatus = "active"
	StatusArchived RecordStatus = "archived"
	StatusDeleted  RecordStatus = "deleted"
)

// Record source provenance tags.
const (
	SourceManual      = "manual"
	SourceAutoExtract = "auto_extract"
	SourceUserMsg     = "user_msg"
)

// MemoryRecord is a single unit of long-term memory with lifecycle scoring.
// PersonaID is empty exactly when Scope is shared.
type MemoryRecord struct {
	Rowid          int64
	PersonaID      string
	Scope          Scope
	Content        string
	Kind           string
	Role           string
	MemoryType     MemoryType
	Source         string
	Importance     float64
	Strength       float64
	AccessCount    int64
	LastAccessedAt time.Time
	Retention      float64
	Status         RecordStatus
	Pinned         bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// VersionRecord is an immutable snapshot of one content transition.
type VersionRecord struct {
	ID          int64
	MemoryRowid int64
	OldContent  string
	NewContent  string
	Reason      string
	Source      string
	CreatedAt   time.Time
}

// ConflictType classifies the tension between a candidate and a base record.
type ConflictType string

const (
	ConflictUpdate ConflictType = "update"
	ConflictMerge  ConflictType = "merge"
	ConflictHard   ConflictType = "conflict"
)

// Conflict statuses. Open conflicts await the resolution workflow.
const (
	ConflictOpen     = "open"
	ConflictResolved = "resolved"
	ConflictIgnored  = "ignored"
)

// ConflictRecord captures a detected tension between an incoming candidate
// and an existing record, with a snapshot of the base at detection time.
type ConflictRecord struct {
	ID             int64
	MemoryRowid    int64
	BasePersonaID  string
	BaseScope      Scope
	BaseContent    string
	BaseMemoryType MemoryType

	CandidateContent    string
	CandidateSource     string
	CandidateImportance float64
	CandidateStrength   float64
	CandidateMemoryType MemoryType

	ConflictType   ConflictType
	SuggestedMerge string
	Status         string
	Resolution     string
	ResolvedAt     time.Time
	CreatedAt      time.Time
}

// ResolveAction is the caller's decision for an open conflict.
type ResolveAction string

const (
	ResolveAccept   ResolveAction = "accept"
	ResolveKeepBoth ResolveAction = "keepBoth"
	ResolveMerge    ResolveAction = "merge"
	ResolveIgnore   ResolveAction = "ignore"
)

// ResolveResult reports what a conflict resolution mutated.
type ResolveResult struct {
	OK           bool
	UpdatedRowid int64
	CreatedRowid int64
}

// Persona owns zero or more records and carries the capture policy
// applied to chat ingestion plus the prompt prepended to retrieval addons.
type Persona struct {
	ID               string
	Name             string
	Prompt           string
	CaptureEnabled   bool
	CaptureUser      bool
	CaptureAssistant bool
	RetrieveEnabled  bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ScopeFilter selects persona-owned records, shared records, or both.
type ScopeFilter string

const (
	FilterScopePersona ScopeFilter = "persona"
	FilterScopeShared  ScopeFilter = "shared"
	FilterScopeAll     ScopeFilter = "all"
)

// RecordFilter narrows list/updateMeta/delete operations. Zero values match
// everything; Pinned is a tri-state.
type RecordFilter struct {
	PersonaID  string
	Scope      ScopeFilter
	Role       string
	Query      string
	Status     RecordStatus
	Pinned     *bool
	Source     string
	MemoryType MemoryType
}

// Selector targets records by explicit rowids or by filter, for bulk
// meta updates and deletes.
type Selector struct {
	Rowids []int64
	Filter *RecordFilter
}

// MetaPatch mutates non-content fields; nil fields are left untouched.
// Content changes go through UpdateContent so versioning is never bypassed.
type MetaPatch struct {
	Status     *RecordStatus
	Pinned     *bool
	Importance *float64
	Strength   *float64
	Retention  *float64
	MemoryType *MemoryType
	Source     *string
}

// ChatMessage is one raw chat turn handed to the ingestion hook.
type ChatMessage struct {
	ID        int64
	PersonaID string
	SessionID string
	MessageID string
	Role      string
	Content   string
	CreatedAt time.Time
}

// Entity and Relation form the knowledge-graph layer, derived from record
// or message content and rebuildable from the store.
type Entity struct {
	ID         string
	Name       string
	EntityType string
	CreatedAt  time.Time
}

type Relation struct {
	ID          int64
	SubjectID   string
	RelType     string
	ObjectID    string
	MemoryRowid int64
	CreatedAt   time.Time
}

// Retrieval layer names, in pipeline order.
const (
	LayerTime   = "time"
	LayerFTS    = "fulltext"
	LayerFuzzy  = "fuzzy"
	LayerTag    = "tag"
	LayerVector = "vector"
	LayerGraph  = "graph"
)

// RetrieveOptions controls one retrieval call.
type RetrieveOptions struct {
	PersonaID     string
	Query         string
	Limit         int
	MaxChars      int
	IncludeShared bool
}

// LayerStat reports one layer's contribution for observability.
type LayerStat struct {
	Layer  string `json:"layer"`
	Hits   int    `json:"hits"`
	Millis int64  `json:"millis"`
}

// RetrievalDebug reports per-layer counts and timing.
type RetrievalDebug struct {
	TraceID      string      `json:"trace_id"`
	Layers       []LayerStat `json:"layers"`
	Candidates   int         `json:"candidates"`
	Reranked     bool        `json:"reranked"`
	CacheHit     bool        `json:"cache_hit"`
	ElapsedMilli int64       `json:"elapsed_ms"`
}

// RetrieveResult is the prompt-injectable addon plus debug info.
type RetrieveResult struct {
	Addon   string
	Records []MemoryRecord
	Debug   RetrievalDebug
}

// Maintenance reports.

type RetentionReport struct {
	Scanned  int `json:"scanned"`
	Updated  int `json:"updated"`
	Archived int `json:"archived"`
}

type TagReport struct {
	Scanned int `json:"scanned"`
	Updated int `json:"updated"`
}

type VectorReport struct {
	Scanned  int    `json:"scanned"`
	Embedded int    `json:"embedded"`
	Skipped  int    `json:"skipped"`
	Error    string `json:"error,omitempty"`
}

type KGReport struct {
	Scanned   int    `json:"scanned"`
	Extracted int    `json:"extracted"`
	Skipped   int    `json:"skipped"`
	Error     string `json:"error,omitempty"`
}

type PurgeReport struct {
	Records   int `json:"records"`
	Versions  int `json:"versions"`
	Conflicts int `json:"conflicts"`
}

// Stats summarizes store and index coverage for the management UI.
type Stats struct {
	ByStatus  map[string]int64 `json:"by_status"`
	ByType    map[string]int64 `json:"by_type"`
	Tagged    int64            `json:"tagged"`
	Embedded  int64            `json:"embedded"`
	Extracted int64            `json:"extracted"`
	Entities  int64            `json:"entities"`
	Relations int64            `json:"relations"`
	Conflicts int64            `json:"open_conflicts"`
}

func validMemoryType(t MemoryType) bool {
	switch t {
	case TypeProfile, TypePreference, TypeSemantic, TypeEpisodic, TypeTask, TypeOther:
		return true
	}
	return false
}

func validStatus(s RecordStatus) bool {
	switch s {
	case StatusActive, StatusArchived, StatusDeleted:
		return true
	}
	return false
}
