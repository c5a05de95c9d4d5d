package store

import (
	"time"

	"github.com/Martian-dev/mailsync/internal/taxonomy"
)

// AccountStatus is the connection state of an account
type AccountStatus string

const (
	StatusActive       AccountStatus = "active"
	StatusError        AccountStatus = "error"
	StatusDisconnected AccountStatus = "disconnected"
)

// Resolution is the workflow triage state of a message. It is layered on
// top of, and never derived from, the canonical taxonomy.
type Resolution string

const (
	ResolutionAwaitingMe   Resolution = "awaiting_me"
	ResolutionAwaitingThem Resolution = "awaiting_them"
	ResolutionResolved     Resolution = "resolved"
	ResolutionNone         Resolution = "none"
)

// Valid reports whether r is a known resolution state
func (r Resolution) Valid() bool {
	switch r {
	case ResolutionAwaitingMe, ResolutionAwaitingThem, ResolutionResolved, ResolutionNone:
		return true
	}
	return false
}

// Account is one connected mailbox per (user, provider)
type Account struct {
	ID           string
	UserID       string
	Provider     string
	Email        string
	AccessToken  string
	RefreshToken string
	TokenExpiry  time.Time

	SyncEnabled   bool
	Status        AccountStatus
	LastSyncAt    *time.Time
	NextSyncAt    *time.Time
	LastSyncError string
	SyncFailures  int

	// Lock fields. IsSyncing is the UI-visible flag and is kept separate
	// from the lock timestamp.
	SyncStartedAt *time.Time
	SyncLockTTL   time.Duration
	IsSyncing     bool

	LastActiveAt        *time.Time
	LastSyncRequestedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Folder is a provider folder scoped to an account
type Folder struct {
	ID               string
	AccountID        string
	ProviderID       string
	DisplayName      string
	Canonical        taxonomy.Folder
	ParentProviderID string
	ChildCount       int
	DeltaCursor      string
	CursorUpdatedAt  *time.Time
}

// Participant is a name and address pair
type Participant struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// Message is the local index record of a provider message
type Message struct {
	ID                 string
	AccountID          string
	ProviderID         string
	ThreadID           string
	Subject            string
	From               Participant
	To                 []Participant
	Cc                 []Participant
	ReceivedAt         time.Time
	IsRead             bool
	HasAttachments     bool
	CanonicalFolder    taxonomy.Folder
	States             []taxonomy.State
	ProviderFolderID   string
	ProviderFolderName string
	Categories         []string
	Resolution         Resolution
	BodyAssetID        string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Asset is a content-addressed body blob record
type Asset struct {
	ID             string
	AccountID      string
	ContentHash    string
	ContentType    string
	Size           int64
	BlobHandle     string
	RefCount       int
	LastAccessedAt *time.Time
	CreatedAt      time.Time
}

// OutboxMessage is a pending event awaiting publication
type OutboxMessage struct {
	ID      int64
	Subject string
	Payload []byte
	MsgID   string
}
