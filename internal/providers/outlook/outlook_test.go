package outlook

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	abstractions "github.com/microsoft/kiota-abstractions-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/stretchr/testify/require"

	msync "github.com/Martian-dev/mailsync/internal/sync"
)

func ptr[T any](v T) *T {
	return &v
}

func odataError(status int, code string) error {
	e := odataerrors.NewODataError()
	e.ResponseStatusCode = status
	main := odataerrors.NewMainError()
	main.SetCode(ptr(code))
	main.SetMessage(ptr("test"))
	e.SetErrorEscaped(main)
	return e
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"gone", odataError(410, ""), msync.ErrCursorInvalid},
		{"sync state", odataError(400, "SyncStateNotFound"), msync.ErrCursorInvalid},
		{"throttled", odataError(429, "TooManyRequests"), msync.ErrThrottled},
		{"app throttled", odataError(503, "ApplicationThrottled"), msync.ErrThrottled},
		{"not found", odataError(404, "ErrorItemNotFound"), msync.ErrNotFound},
		{"bare 404", odataError(404, ""), msync.ErrNotFound},
		{"item not found", odataError(404, "itemNotFound"), msync.ErrNotFound},
		{"mailbox not enabled", odataError(404, "MailboxNotEnabledForRESTAPI"), msync.ErrTransient},
		{"invalid user", odataError(404, "ErrorInvalidUser"), msync.ErrTransient},
		{"resource not found", odataError(404, "ResourceNotFound"), msync.ErrTransient},
		{"api 404", &abstractions.ApiError{ResponseStatusCode: 404}, msync.ErrNotFound},
		{"unauthorized", odataError(401, "InvalidAuthenticationToken"), msync.ErrUnauthorized},
		{"server", odataError(503, "ServiceUnavailable"), msync.ErrTransient},
		{"api error", &abstractions.ApiError{ResponseStatusCode: 429}, msync.ErrThrottled},
		{"network", errors.New("connection reset by peer"), msync.ErrTransient},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := classify("op", fmt.Errorf("wrapped: %w", tc.err))
			require.ErrorIs(t, err, tc.want)
			require.True(t, msync.IsProviderError(err))
		})
	}
}

func TestClassifyKeepsContextErrors(t *testing.T) {
	err := classify("op", context.Canceled)
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, msync.IsProviderError(err))
}

func recipient(name, addr string) models.Recipientable {
	r := models.NewRecipient()
	ea := models.NewEmailAddress()
	ea.SetName(ptr(name))
	ea.SetAddress(ptr(addr))
	r.SetEmailAddress(ea)
	return r
}

func TestConvertMessage(t *testing.T) {
	received := time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC)

	m := models.NewMessage()
	m.SetId(ptr("AAMk1"))
	m.SetConversationId(ptr("conv-1"))
	m.SetSubject(ptr("Quarterly numbers"))
	m.SetFrom(recipient("Ann", "ann@example.com"))
	m.SetToRecipients([]models.Recipientable{
		recipient("Me", "me@example.com"),
		recipient("", ""),
	})
	m.SetReceivedDateTime(&received)
	m.SetIsRead(ptr(false))
	m.SetHasAttachments(ptr(true))
	m.SetCategories([]string{"Snoozed"})
	m.SetParentFolderId(ptr("inbox-id"))

	flag := models.NewFollowupFlag()
	flag.SetFlagStatus(ptr(models.FLAGGED_FOLLOWUPFLAGSTATUS))
	m.SetFlag(flag)
	m.SetImportance(ptr(models.HIGH_IMPORTANCE))
	m.SetInferenceClassification(ptr(models.FOCUSED_INFERENCECLASSIFICATIONTYPE))

	pm := convertMessage(m)
	require.Equal(t, "AAMk1", pm.ProviderID)
	require.Equal(t, "conv-1", pm.ThreadID)
	require.Equal(t, "ann@example.com", pm.From.Address)
	require.Len(t, pm.To, 1)
	require.Equal(t, received, pm.ReceivedAt)
	require.False(t, pm.IsRead)
	require.True(t, pm.HasAttachments)
	require.True(t, pm.Flagged)
	require.Equal(t, "high", pm.Importance)
	require.Equal(t, "focused", pm.Inference)
	require.Equal(t, []string{"Snoozed"}, pm.Categories)
	require.Equal(t, "inbox-id", pm.FolderID)
	require.False(t, removed(m))
}

func TestRemovedEntry(t *testing.T) {
	m := models.NewMessage()
	m.SetId(ptr("gone"))
	m.SetAdditionalData(map[string]any{
		"@removed": map[string]any{"reason": "deleted"},
	})
	require.True(t, removed(m))
}

func TestConvertBody(t *testing.T) {
	b := models.NewItemBody()
	b.SetContentType(ptr(models.HTML_BODYTYPE))
	b.SetContent(ptr("<p>hi</p>"))

	body := convertBody(b)
	require.Equal(t, "text/html", body.ContentType)
	require.Equal(t, "<p>hi</p>", string(body.Data))

	require.Equal(t, "text/plain", convertBody(nil).ContentType)
}

func TestConvertFolders(t *testing.T) {
	f := models.NewMailFolder()
	f.SetId(ptr("f1"))
	f.SetDisplayName(ptr("Clients"))
	f.SetParentFolderId(ptr("inbox-id"))
	f.SetChildFolderCount(ptr(int32(2)))

	got := convertFolders([]models.MailFolderable{f})
	require.Equal(t, []msync.RemoteFolder{{
		ID: "f1", DisplayName: "Clients", ParentID: "inbox-id", ChildCount: 2,
	}}, got)
}

func TestFactorySharesLimiterPerAccount(t *testing.T) {
	f := NewFactory(Config{}, nil)
	require.Same(t, f.limiter("a"), f.limiter("a"))
	require.NotSame(t, f.limiter("a"), f.limiter("b"))
}
