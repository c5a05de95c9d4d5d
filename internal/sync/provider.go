package sync

import (
	"context"
	"errors"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/mailbox"
	"github.com/Martian-dev/mailsync/internal/store"
)

// ProviderName identifies the mail provider of an account
type ProviderName string

const (
	ProviderMicrosoft ProviderName = "MICROSOFT"
)

// Provider errors. Adapters classify every failure into one of these so
// the engine can tell provider trouble from local store failures.
var (
	// ErrCursorInvalid means a stored delta cursor expired or was rejected
	// (410 Gone or sync state not found)
	ErrCursorInvalid = errors.New("delta cursor invalid")

	// ErrThrottled means the provider answered 429
	ErrThrottled = errors.New("provider throttled")

	// ErrNotFound is the provider's explicit statement that an item does
	// not exist
	ErrNotFound = errors.New("provider item not found")

	// ErrUnauthorized means the provider rejected the bearer token
	ErrUnauthorized = errors.New("provider rejected credentials")

	// ErrTransient covers 5xx responses and network failures
	ErrTransient = errors.New("transient provider error")
)

// IsProviderError reports whether err came from the provider rather than
// from local state
func IsProviderError(err error) bool {
	return errors.Is(err, ErrCursorInvalid) ||
		errors.Is(err, ErrThrottled) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrTransient)
}

// RemoteFolder is a provider folder as listed
type RemoteFolder struct {
	ID          string
	DisplayName string
	ParentID    string
	ChildCount  int
}

// MessagePage is one page of a message listing or delta walk. A delta
// page ends with exactly one of NextLink or DeltaLink; a listing page has
// no DeltaLink and an empty NextLink on the last page.
type MessagePage struct {
	Messages  []mailbox.ProviderMessage
	Removed   []string
	NextLink  string
	DeltaLink string
}

// Destination is a well-known move target
type Destination string

const (
	DestinationTrash   Destination = "deleteditems"
	DestinationArchive Destination = "archive"
)

// Body is a fetched message body
type Body struct {
	ContentType string
	Data        []byte
}

// BatchResult reports the outcome of a batched provider write. Throttled
// ids could not be confirmed and need reconciliation.
type BatchResult struct {
	Throttled []string
	Failed    []string
}

// Provider is the mailbox API of one connected account
type Provider interface {
	// ListFolders returns the top level folders
	ListFolders(ctx context.Context) ([]RemoteFolder, error)

	// ListChildFolders returns the direct children of a folder
	ListChildFolders(ctx context.Context, parentID string) ([]RemoteFolder, error)

	// ListMessages returns a page of a folder newest first. An empty link
	// starts at the first page.
	ListMessages(ctx context.Context, folderID, link string) (*MessagePage, error)

	// Delta resumes a delta walk from a cursor or next link. An empty link
	// starts a fresh delta query.
	Delta(ctx context.Context, folderID, link string) (*MessagePage, error)

	// MessageExists returns nil when the message exists and ErrNotFound
	// when the provider says it does not
	MessageExists(ctx context.Context, messageID string) error

	// SetRead pushes the read flag for a batch of messages
	SetRead(ctx context.Context, messageIDs []string, read bool) (BatchResult, error)

	// Move moves a message and returns its id after the move
	Move(ctx context.Context, messageID string, dest Destination) (string, error)

	// GetBody fetches a message body
	GetBody(ctx context.Context, messageID string) (*Body, error)
}

// ProviderFactory builds the provider client for an account
type ProviderFactory func(ctx context.Context, acct *store.Account, creds auth.Credentials) (Provider, error)
