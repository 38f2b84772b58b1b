// Package actions contains the front-end-facing operations: listing, login,
// and downloads. The CLI and the web front end both call into it.
package actions

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/kobodl/kobodl/internal/kobo"
	"github.com/kobodl/kobodl/internal/model"
	"github.com/kobodl/kobodl/internal/settings"
)

// NewClient binds a store client to one user, persisting credential
// mutations through the settings store.
func NewClient(user *model.User, sets *settings.Settings, log *zap.Logger) *kobo.Client {
	return kobo.NewClient(user, sets.Save, log)
}

// classify picks the one metadata container present on an entitlement.
func classify(e *kobo.NewEntitlement) (*kobo.BookMetadata, model.BookType) {
	switch {
	case e.BookMetadata != nil:
		return e.BookMetadata, model.BookTypeEbook
	case e.AudiobookMetadata != nil:
		return e.AudiobookMetadata, model.BookTypeAudiobook
	case e.BookSubscriptionEntitlement != nil:
		return nil, model.BookTypeSubscription
	default:
		return nil, model.BookTypeUnknown
	}
}

// resolveEntitlement classifies an entitlement for the front ends.
// Subscription placeholders are skipped silently (they carry no
// downloadable content); unrecognized entries are logged and skipped.
func resolveEntitlement(e *kobo.NewEntitlement, log *zap.Logger) (*kobo.BookMetadata, model.BookType, bool) {
	meta, bookType := classify(e)
	if bookType == model.BookTypeSubscription {
		return nil, bookType, false
	}
	if meta == nil {
		log.Warn("skipping entitlement of unknown type")
		return nil, bookType, false
	}
	return meta, bookType, true
}

func isArchived(e *kobo.NewEntitlement) bool {
	if e.BookEntitlement != nil {
		return e.BookEntitlement.IsRemoved
	}
	if e.AudiobookEntitlement != nil {
		return e.AudiobookEntitlement.IsRemoved
	}
	return false
}

func isRead(e *kobo.NewEntitlement) bool {
	return e.ReadingState != nil &&
		e.ReadingState.StatusInfo != nil &&
		e.ReadingState.StatusInfo.Status == "Finished"
}

// ListBooks lists every user's library. Previews and refunded (locked)
// entries are excluded; read books are excluded unless listAll is set —
// that filter is front-end policy, not a sync concern. Entries with no
// recognizable metadata container are logged and skipped.
func ListBooks(ctx context.Context, users []*model.User, listAll bool, sets *settings.Settings, log *zap.Logger) ([]model.Book, error) {
	var books []model.Book
	for _, user := range users {
		client := NewClient(user, sets, log)
		if err := client.LoadInitializationSettings(ctx); err != nil {
			return nil, err
		}
		entitlements, err := client.GetBookList(ctx)
		if err != nil {
			return nil, err
		}

		for _, ent := range entitlements {
			e := ent.NewEntitlement
			if e == nil {
				continue
			}
			if e.BookEntitlement != nil {
				if e.BookEntitlement.Accessibility == "Preview" {
					continue
				}
				if e.BookEntitlement.IsLocked {
					continue
				}
			}
			if !listAll && isRead(e) {
				continue
			}

			meta, bookType, ok := resolveEntitlement(e, log)
			if !ok {
				continue
			}

			books = append(books, model.Book{
				RevisionID: meta.ProductID(),
				Title:      meta.Title,
				Author:     meta.Author(),
				Type:       bookType,
				Archived:   isArchived(e),
				Read:       isRead(e),
				Owner:      user,
			})
		}
	}

	sort.Slice(books, func(i, j int) bool {
		return strings.ToLower(books[i].Title) < strings.ToLower(books[j].Title)
	})
	return books, nil
}

// LoginUser performs the credential-form login flow for user and persists
// the resulting identity.
func LoginUser(ctx context.Context, user *model.User, password, captcha string, sets *settings.Settings, log *zap.Logger) error {
	client := NewClient(user, sets, log)
	if err := client.AuthenticateDevice(ctx, ""); err != nil {
		return err
	}
	if err := client.LoadInitializationSettings(ctx); err != nil {
		return err
	}
	return client.Login(ctx, user.Email, password, captcha)
}

// GetBookOrBooks downloads one title (productID set) or the whole library
// (productID empty) into outputDir. The library is re-synced on every call:
// the sync endpoint is the only one that returns download metadata, and
// resolving rights must be fresh. Returns the output path when a single
// title was requested.
//
// In batch mode a single title's failure is logged and the batch continues;
// an explicitly requested title's failure aborts the call. Read books are
// skipped in batch mode unless includeRead is set.
func GetBookOrBooks(ctx context.Context, client *kobo.Client, outputDir, productID string, includeRead bool, log *zap.Logger) (string, error) {
	outputDir, err := filepath.Abs(outputDir)
	if err != nil {
		return "", err
	}
	if err := client.LoadInitializationSettings(ctx); err != nil {
		return "", err
	}
	entitlements, err := client.GetBookList(ctx)
	if err != nil {
		return "", err
	}

	for _, ent := range entitlements {
		e := ent.NewEntitlement
		if e == nil {
			continue
		}
		meta, bookType, ok := resolveEntitlement(e, log)
		if !ok {
			continue
		}

		fileName := MakeFileName(meta.Author(), meta.Title, meta.ProductID())
		if bookType == model.BookTypeEbook {
			// Audiobooks go into sub-directories; ebook archives land
			// directly in outputDir.
			fileName += ".epub"
		}
		outputPath := filepath.Join(outputDir, fileName)

		currentID := meta.ProductID()
		if productID != "" && productID != currentID {
			continue
		}

		if productID == "" {
			if _, err := os.Stat(outputPath); err == nil {
				log.Info("skipping already downloaded book", zap.String("path", outputPath))
				continue
			}
			if !includeRead && isRead(e) {
				continue
			}
		}
		if isArchived(e) {
			log.Info("skipping archived book", zap.String("title", meta.Title))
			continue
		}

		err := client.Download(ctx, meta, bookType, outputPath)
		if err != nil {
			if productID != "" {
				return "", err
			}
			log.Warn("skipping failed download",
				zap.String("product", currentID),
				zap.Error(err),
			)
			continue
		}

		if productID != "" {
			return outputPath, nil
		}
	}

	if productID != "" {
		return "", fmt.Errorf("product %s not found in the library", productID)
	}
	return "", nil
}

// RemoveUser removes the user matching identifier (email, user key, or
// device id) and persists the change.
func RemoveUser(sets *settings.Settings, identifier string) (*model.User, error) {
	removed := sets.UserList.RemoveUser(identifier)
	if removed == nil {
		return nil, errors.New("no user with a matching email, user key, or device id")
	}
	if err := sets.Save(); err != nil {
		return nil, err
	}
	return removed, nil
}
