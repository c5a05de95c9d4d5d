package outlook

import (
	"github.com/microsoftgraph/msgraph-sdk-go/models"

	"github.com/Martian-dev/mailsync/internal/mailbox"
	"github.com/Martian-dev/mailsync/internal/store"
	msync "github.com/Martian-dev/mailsync/internal/sync"
)

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

func convertFolders(in []models.MailFolderable) []msync.RemoteFolder {
	out := make([]msync.RemoteFolder, 0, len(in))
	for _, f := range in {
		out = append(out, msync.RemoteFolder{
			ID:          deref(f.GetId()),
			DisplayName: deref(f.GetDisplayName()),
			ParentID:    deref(f.GetParentFolderId()),
			ChildCount:  int(deref(f.GetChildFolderCount())),
		})
	}
	return out
}

// convertMessage maps a Graph message onto the provider-neutral shape
func convertMessage(m models.Messageable) mailbox.ProviderMessage {
	pm := mailbox.ProviderMessage{
		ProviderID:     deref(m.GetId()),
		ThreadID:       deref(m.GetConversationId()),
		Subject:        deref(m.GetSubject()),
		From:           participant(m.GetFrom()),
		To:             participants(m.GetToRecipients()),
		Cc:             participants(m.GetCcRecipients()),
		ReceivedAt:     deref(m.GetReceivedDateTime()),
		IsRead:         deref(m.GetIsRead()),
		HasAttachments: deref(m.GetHasAttachments()),
		Categories:     m.GetCategories(),
		FolderID:       deref(m.GetParentFolderId()),
	}

	if flag := m.GetFlag(); flag != nil {
		if st := flag.GetFlagStatus(); st != nil {
			pm.Flagged = *st == models.FLAGGED_FOLLOWUPFLAGSTATUS
		}
	}
	if imp := m.GetImportance(); imp != nil {
		pm.Importance = imp.String()
	}
	if inf := m.GetInferenceClassification(); inf != nil {
		pm.Inference = inf.String()
	}
	return pm
}

func participant(r models.Recipientable) store.Participant {
	if r == nil {
		return store.Participant{}
	}
	addr := r.GetEmailAddress()
	if addr == nil {
		return store.Participant{}
	}
	return store.Participant{
		Name:    deref(addr.GetName()),
		Address: deref(addr.GetAddress()),
	}
}

func participants(rs []models.Recipientable) []store.Participant {
	var out []store.Participant
	for _, r := range rs {
		if p := participant(r); p.Address != "" {
			out = append(out, p)
		}
	}
	return out
}

// removed reports whether a delta entry is a tombstone
func removed(m models.Messageable) bool {
	_, ok := m.GetAdditionalData()["@removed"]
	return ok
}

func convertBody(b models.ItemBodyable) *msync.Body {
	body := &msync.Body{ContentType: "text/plain"}
	if b == nil {
		return body
	}
	if ct := b.GetContentType(); ct != nil && *ct == models.HTML_BODYTYPE {
		body.ContentType = "text/html"
	}
	body.Data = []byte(deref(b.GetContent()))
	return body
}
