package taxonomy

import (
	"sort"
	"strings"
)

// Folder is the provider-agnostic location of a message
type Folder string

const (
	FolderInbox     Folder = "inbox"
	FolderSent      Folder = "sent"
	FolderDrafts    Folder = "drafts"
	FolderArchive   Folder = "archive"
	FolderSpam      Folder = "spam"
	FolderTrash     Folder = "trash"
	FolderOutbox    Folder = "outbox"
	FolderScheduled Folder = "scheduled"
	FolderSystem    Folder = "system"
)

// Valid reports whether f is one of the closed set of canonical folders
func (f Folder) Valid() bool {
	switch f {
	case FolderInbox, FolderSent, FolderDrafts, FolderArchive, FolderSpam,
		FolderTrash, FolderOutbox, FolderScheduled, FolderSystem:
		return true
	}
	return false
}

// Syncable reports whether messages in folders with this tag are synced.
// System folders are never synced.
func (f Folder) Syncable() bool {
	return f != FolderSystem
}

// State is a provider-agnostic message flag
type State string

const (
	StateUnread    State = "unread"
	StateStarred   State = "starred"
	StateImportant State = "important"
	StateSnoozed   State = "snoozed"
	StateMuted     State = "muted"
	StateFocused   State = "focused"
	StateOther     State = "other"
)

// providerKey is a normalized (trimmed, lower-cased) provider folder name
type providerKey string

// folderNames maps provider display names to canonical folders. Lookups
// are exact after normalization; partial matches are never attempted.
var folderNames = map[providerKey]Folder{
	"inbox": FolderInbox,

	"sent items": FolderSent,
	"sent":       FolderSent,
	"sentitems":  FolderSent,

	"drafts": FolderDrafts,

	"archive": FolderArchive,

	"junk email": FolderSpam,
	"junkemail":  FolderSpam,
	"junk":       FolderSpam,
	"spam":       FolderSpam,

	"deleted items": FolderTrash,
	"deleteditems":  FolderTrash,
	"trash":         FolderTrash,

	"outbox": FolderOutbox,

	"scheduled": FolderScheduled,
}

// systemNames are provider folders that hold client bookkeeping rather
// than mail.
var systemNames = []providerKey{
	"conversation history",
	"conversation action settings",
	"quick step settings",
	"sync issues",
	"conflicts",
	"local failures",
	"server failures",
	"rss feeds",
	"rss subscriptions",
	"recoverable items",
}

func init() {
	for _, name := range systemNames {
		folderNames[name] = FolderSystem
	}
}

func normalize(name string) providerKey {
	return providerKey(strings.ToLower(strings.TrimSpace(name)))
}

// LookupFolder maps a provider folder display name to its canonical tag.
// The second return value is false when the name has no direct mapping.
func LookupFolder(displayName string) (Folder, bool) {
	f, ok := folderNames[normalize(displayName)]
	return f, ok
}

// MapFolder maps a provider folder display name to its canonical tag,
// falling back to inbox for anything unrecognized. Unknown folders are
// synced, not excluded.
func MapFolder(displayName string) Folder {
	if f, ok := LookupFolder(displayName); ok {
		return f
	}
	return FolderInbox
}

// ResolveFolder maps a folder given the canonical tag of its nearest mapped
// ancestor. An empty inherited tag means the folder has no mapped ancestor.
func ResolveFolder(displayName string, inherited Folder) Folder {
	if f, ok := LookupFolder(displayName); ok {
		return f
	}
	if inherited != "" {
		return inherited
	}
	return FolderInbox
}

// Flags is the subset of provider message flags that feed canonical state
type Flags struct {
	IsRead     bool
	Flagged    bool
	Importance string // low, normal, high
	Inference  string // focused-inbox classification: focused, other or empty
	Categories []string
	FolderName string
}

// MapStates derives the canonical state set from provider flags. The
// result is sorted and free of duplicates.
func MapStates(f Flags) []State {
	set := make(map[State]struct{})

	if !f.IsRead {
		set[StateUnread] = struct{}{}
	}
	if f.Flagged {
		set[StateStarred] = struct{}{}
	}
	if strings.EqualFold(f.Importance, "high") {
		set[StateImportant] = struct{}{}
	}

	switch strings.ToLower(f.Inference) {
	case "focused":
		set[StateFocused] = struct{}{}
	case "other":
		set[StateOther] = struct{}{}
	}

	for _, c := range f.Categories {
		switch normalize(c) {
		case "snoozed":
			set[StateSnoozed] = struct{}{}
		case "muted":
			set[StateMuted] = struct{}{}
		}
	}
	if normalize(f.FolderName) == "snoozed" {
		set[StateSnoozed] = struct{}{}
	}

	states := make([]State, 0, len(set))
	for s := range set {
		states = append(states, s)
	}
	sort.Slice(states, func(i, j int) bool { return states[i] < states[j] })
	return states
}

// HasState reports whether s is present in states
func HasState(states []State, s State) bool {
	for _, st := range states {
		if st == s {
			return true
		}
	}
	return false
}
