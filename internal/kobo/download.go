package kobo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/kobodl/kobodl/internal/drm"
	"github.com/kobodl/kobodl/internal/errs"
	"github.com/kobodl/kobodl/internal/model"
)

// DrmKind classifies a download candidate's content protection.
type DrmKind int

const (
	// DrmNone marks unprotected content.
	DrmNone DrmKind = iota
	// DrmVendor is the store's own scheme, removable by the drm package.
	DrmVendor
	// DrmSigned marks signed but unencrypted content; no removal needed.
	DrmSigned
	// DrmForeign is a third-party scheme this client does not implement; the
	// encrypted bytes are preserved for an external tool.
	DrmForeign
)

func drmKindOf(token string) (DrmKind, bool) {
	switch token {
	case "":
		return DrmNone, true
	case "KDRM":
		return DrmVendor, true
	case "SignedNoDrm":
		return DrmSigned, true
	case "AdobeDrm":
		return DrmForeign, true
	default:
		return DrmNone, false
	}
}

// contentAccess is the rights-check response for one title.
type contentAccess struct {
	ContentKeys []struct {
		Name  string `json:"Name"`
		Value string `json:"Value"`
	} `json:"ContentKeys"`
	ContentURLs  []ContentURL `json:"ContentUrls"`
	DownloadURLs []ContentURL `json:"DownloadUrls"`
}

func (a *contentAccess) candidates() []ContentURL {
	if a.ContentURLs != nil {
		return a.ContentURLs
	}
	return a.DownloadURLs
}

func (a *contentAccess) keys() map[string]string {
	out := map[string]string{}
	for _, k := range a.ContentKeys {
		out[k.Name] = k.Value
	}
	return out
}

// urlFromTemplate substitutes the product id into an endpoint template.
func urlFromTemplate(tmpl, productID string) string {
	return strings.ReplaceAll(tmpl, "{ProductId}", productID)
}

// contentAccessBook calls the per-title rights-check endpoint. Resolving also
// refreshes the server-side statement of the account's rights, which is why
// locations are never cached across calls.
func (c *Client) contentAccessBook(ctx context.Context, productID, profile string) (*contentAccess, error) {
	tmpl, err := c.endpoint("content_access_book")
	if err != nil {
		return nil, err
	}
	accessURL := urlFromTemplate(tmpl, productID)

	resp, err := c.doAuthed(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, accessURL, nil)
		if err != nil {
			return nil, err
		}
		req.URL.RawQuery = url.Values{"DisplayProfile": {profile}}.Encode()
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var access contentAccess
	if err := json.NewDecoder(resp.Body).Decode(&access); err != nil {
		return nil, fmt.Errorf("decoding content access response: %w", err)
	}
	return &access, nil
}

// downloadInfo resolves the download location and protection kind for one
// title. Ebooks go through the rights-check endpoint; audiobook locations are
// embedded in the title's own metadata.
func (c *Client) downloadInfo(ctx context.Context, meta *BookMetadata, isAudiobook bool) (string, DrmKind, error) {
	productID := meta.ProductID()

	var candidates []ContentURL
	var present bool
	if isAudiobook {
		if meta.ContentURLs != nil {
			candidates, present = meta.ContentURLs, true
		} else if meta.DownloadURLs != nil {
			candidates, present = meta.DownloadURLs, true
		}
	} else {
		access, err := c.contentAccessBook(ctx, productID, defaultDisplayProfile)
		if err != nil {
			return "", DrmNone, err
		}
		if access.ContentURLs != nil || access.DownloadURLs != nil {
			candidates, present = access.candidates(), true
		}
	}

	if !present {
		return "", DrmNone, fmt.Errorf("product %s: %w", productID, errs.ErrDownloadURLNotFound)
	}
	if len(candidates) == 0 {
		return "", DrmNone, fmt.Errorf("product %s: %w: likely archived — must be restored on the vendor site first", productID, errs.ErrDownloadURLUnavailable)
	}

	for _, cand := range candidates {
		kind, supported := drmKindOf(cand.Drm())
		if !supported {
			continue
		}
		if loc := cand.Location(); loc != "" {
			return loc, kind, nil
		}
	}

	observed := make([]string, 0, len(candidates))
	for _, cand := range candidates {
		observed = append(observed, fmt.Sprintf("(%s, %s)", cand.Drm(), cand.URLFormat))
	}
	return "", DrmNone, fmt.Errorf("product %s: %w: observed %s", productID, errs.ErrNoSupportedFormat, strings.Join(observed, ", "))
}

// Download resolves and retrieves one title. Ebooks are streamed to a partial
// file and finalized atomically; audiobooks are fetched part by part into a
// destination directory. On any failure both the partial file and a
// half-written destination are deleted before the error propagates.
func (c *Client) Download(ctx context.Context, meta *BookMetadata, bookType model.BookType, outputPath string) error {
	isAudiobook := bookType == model.BookTypeAudiobook

	downloadURL, drmKind, err := c.downloadInfo(ctx, meta, isAudiobook)
	if err != nil {
		return err
	}

	partialPath := outputPath + ".downloading"
	if err := c.retrieve(ctx, downloadURL, drmKind, isAudiobook, partialPath, outputPath, meta.ProductID()); err != nil {
		if _, statErr := os.Stat(partialPath); statErr == nil {
			os.Remove(partialPath)
		}
		if fi, statErr := os.Stat(outputPath); statErr == nil && !fi.IsDir() {
			os.Remove(outputPath)
		}
		return err
	}
	return nil
}

func (c *Client) retrieve(ctx context.Context, downloadURL string, drmKind DrmKind, isAudiobook bool, partialPath, outputPath, productID string) error {
	if isAudiobook {
		if err := c.downloadAudiobook(ctx, downloadURL, outputPath); err != nil {
			return err
		}
	} else {
		if err := c.downloadToFile(ctx, downloadURL, partialPath); err != nil {
			return err
		}
	}

	switch drmKind {
	case DrmVendor:
		access, err := c.contentAccessBook(ctx, productID, defaultDisplayProfile)
		if err != nil {
			return err
		}
		remover := drm.NewRemover(c.user.DeviceID, c.user.UserID)
		if err := remover.RemoveDrm(partialPath, outputPath, access.keys()); err != nil {
			return err
		}
		return os.Remove(partialPath)
	case DrmForeign:
		// Not our scheme. Keep the encrypted bytes for an external tool
		// instead of failing.
		c.log.Warn("unable to remove third-party DRM, saving encrypted bytes",
			zap.String("product", productID),
			zap.String("path", outputPath+".ade"),
		)
		if err := os.Rename(partialPath, outputPath+".ade"); err != nil {
			return err
		}
		return nil
	default:
		if isAudiobook {
			return nil
		}
		return os.Rename(partialPath, outputPath)
	}
}

// downloadToFile streams a URL to path.
func (c *Client) downloadToFile(ctx context.Context, rawURL, path string) error {
	resp, err := c.get(ctx, rawURL, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// downloadAudiobook treats the resolved location as a manifest listing
// numbered parts and downloads each into outputPath using a 1-based sequence
// number plus the part's declared extension.
func (c *Client) downloadAudiobook(ctx context.Context, manifestURL, outputPath string) error {
	resp, err := c.get(ctx, manifestURL, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}

	var manifest struct {
		Spine []struct {
			ID            string `json:"Id"`
			URL           string `json:"Url"`
			FileExtension string `json:"FileExtension"`
		} `json:"Spine"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&manifest); err != nil {
		return fmt.Errorf("decoding audiobook manifest: %w", err)
	}

	if err := os.MkdirAll(outputPath, 0o755); err != nil {
		return err
	}
	for _, item := range manifest.Spine {
		seq, err := strconv.Atoi(item.ID)
		if err != nil {
			return fmt.Errorf("audiobook manifest part id %q is not numeric: %w", item.ID, err)
		}
		partPath := filepath.Join(outputPath, fmt.Sprintf("%d.%s", seq+1, item.FileExtension))
		if err := c.downloadToFile(ctx, item.URL, partPath); err != nil {
			return err
		}
	}
	return nil
}
