package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/Martian-dev/mailsync/internal/mailbox"
	"github.com/Martian-dev/mailsync/internal/store"
	"github.com/sirupsen/logrus"
)

// syncFolder picks the phase for a folder: historical when it has no delta
// cursor, incremental otherwise
func (e *Engine) syncFolder(ctx context.Context, run *syncRun, f *store.Folder) error {
	if f.DeltaCursor == "" {
		return e.historical(ctx, run, f)
	}
	return e.incremental(ctx, run, f, f.DeltaCursor)
}

func (e *Engine) apply(ctx context.Context, run *syncRun, msgs []mailbox.ProviderMessage) (mailbox.UpsertResult, error) {
	res, err := e.messages.Upsert(ctx, run.acct, msgs, run.folders)
	if err != nil {
		return res, err
	}
	run.out.Inserted += res.Inserted
	run.out.Updated += res.Updated
	return res, nil
}

// historical pages through the whole folder, newest first, flushing each
// page before fetching the next. Only a fully walked folder is reconciled
// against the local index, after which a delta walk is started to obtain
// the folder's first cursor.
func (e *Engine) historical(ctx context.Context, run *syncRun, f *store.Folder) error {
	log := run.log.WithFields(logrus.Fields{
		"folder_id": f.ProviderID,
		"phase":     "A",
	})

	var (
		seen      = make(map[string]struct{})
		link      string
		exhausted bool
		first     = run.first
	)
	for page := 0; page < e.cfg.MaxHistoryPages; page++ {
		pg, err := run.provider.ListMessages(ctx, f.ProviderID, link)
		if err != nil {
			return fmt.Errorf("page %d: %w", page, err)
		}

		if _, err := e.apply(ctx, run, pg.Messages); err != nil {
			return err
		}
		for _, m := range pg.Messages {
			seen[m.ProviderID] = struct{}{}
		}
		log.WithField("page", page).WithField("messages", len(pg.Messages)).
			Debug("Page stored")

		if pg.NextLink == "" {
			exhausted = true
			break
		}
		link = pg.NextLink
	}

	if first && len(seen) > 0 {
		if err := e.signalNewMail(ctx, run, f, len(seen)); err != nil {
			return err
		}
	}

	if exhausted {
		removed, err := e.messages.PruneFolder(ctx, run.acct.ID, f.ProviderID, seen)
		if err != nil {
			return fmt.Errorf("reconcile: %w", err)
		}
		run.out.Removed += removed
		if removed > 0 {
			log.WithField("removed", removed).Info("Removed messages deleted upstream")
		}
	} else {
		log.WithField("pages", e.cfg.MaxHistoryPages).
			Warn("Page limit reached, skipping reconcile")
	}

	log.WithField("messages", len(seen)).Info("Historical sync complete")
	return e.incremental(ctx, run, f, "")
}

// incremental follows a delta walk from link until the provider hands out
// a terminal delta link. The cursor only moves after every page before it
// has been stored.
func (e *Engine) incremental(ctx context.Context, run *syncRun, f *store.Folder, link string) error {
	log := run.log.WithFields(logrus.Fields{
		"folder_id": f.ProviderID,
		"phase":     "B",
	})

	for page := 0; page < e.cfg.MaxDeltaPages; page++ {
		pg, err := run.provider.Delta(ctx, f.ProviderID, link)
		if errors.Is(err, ErrCursorInvalid) {
			if cerr := e.st.ClearFolderCursor(ctx, f.ID); cerr != nil {
				return cerr
			}
			f.DeltaCursor = ""
			return fmt.Errorf("page %d: %w", page, err)
		}
		if err != nil {
			return fmt.Errorf("page %d: %w", page, err)
		}

		for _, id := range pg.Removed {
			removed, err := e.messages.DeleteByProviderID(ctx, run.acct.ID, id)
			if err != nil {
				return err
			}
			if removed {
				run.out.Removed++
			}
		}

		res, err := e.apply(ctx, run, pg.Messages)
		if err != nil {
			return err
		}
		if res.Inserted > 0 && !run.signaled {
			if err := e.signalNewMail(ctx, run, f, res.Inserted); err != nil {
				return err
			}
		}

		switch {
		case pg.DeltaLink != "":
			if err := e.st.SetFolderCursor(ctx, f.ID, pg.DeltaLink); err != nil {
				return err
			}
			f.DeltaCursor = pg.DeltaLink
			log.WithField("pages", page+1).Debug("Delta walk complete")
			return nil

		case pg.NextLink == "":
			return fmt.Errorf("%w: delta page %d has no continuation",
				ErrTransient, page)
		}
		link = pg.NextLink
	}

	// Out of pages: keep the walk's position so the next run resumes it.
	if err := e.st.SetFolderCursor(ctx, f.ID, link); err != nil {
		return err
	}
	f.DeltaCursor = link
	log.WithField("pages", e.cfg.MaxDeltaPages).
		Warn("Delta page limit reached, resuming next run")
	return nil
}

func (e *Engine) signalNewMail(ctx context.Context, run *syncRun, f *store.Folder, count int) error {
	if run.signaled {
		return nil
	}
	err := e.emit(ctx, run.acct.ID, EventNewMail, run.id, map[string]any{
		"account_id": run.acct.ID,
		"folder_id":  f.ProviderID,
		"folder":     f.Canonical,
		"count":      count,
		"run_id":     run.id,
	})
	if err != nil {
		return err
	}
	run.signaled = true
	run.out.NewMail = true
	return nil
}
