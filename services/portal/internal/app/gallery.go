package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"campusportal/internal/util"
	"campusportal/pkg/domain"
	"campusportal/pkg/storage"
	"github.com/gabriel-vasile/mimetype"
)

// ErrTooLarge is matched by uploads exceeding the configured cap.
var ErrTooLarge = errors.New("upload too large")

// Upload is an uploaded file stream.
type Upload struct {
	Filename string
	// Size is the declared length; -1 when unknown.
	Size   int64
	Reader io.Reader
}

// ListImages returns every gallery image, newest first.
func (a *App) ListImages(ctx context.Context) ([]domain.GalleryImage, error) {
	imgs, err := a.gallery.ListGalleryImages(ctx)
	if err != nil {
		return nil, storageErr("list gallery images", err)
	}
	return imgs, nil
}

// UploadImage stores the image with the media store and records its URL.
// Nothing is recorded when the media store fails.
func (a *App) UploadImage(ctx context.Context, up Upload) (domain.GalleryImage, error) {
	id := util.NewID()
	key := path.Join("gallery", id+"-"+storage.SafeFilename(up.Filename))
	url, err := a.putImage(ctx, key, up)
	if err != nil {
		return domain.GalleryImage{}, err
	}
	img := domain.GalleryImage{ID: id, URL: url, CreatedAt: a.now().UTC()}
	if err := a.gallery.AddGalleryImage(ctx, img); err != nil {
		a.discardMedia(ctx, key)
		return domain.GalleryImage{}, storageErr("record gallery image", err)
	}
	return img, nil
}

// putImage enforces the size cap, sniffs the content type and hands the bytes
// to the media store.
func (a *App) putImage(ctx context.Context, key string, up Upload) (string, error) {
	if up.Reader == nil {
		return "", invalid("image", "is required")
	}
	if up.Size > a.maxUpload {
		return "", tooLarge(a.maxUpload)
	}
	data, err := io.ReadAll(io.LimitReader(up.Reader, a.maxUpload+1))
	if err != nil {
		return "", fmt.Errorf("read upload: %w", err)
	}
	if int64(len(data)) > a.maxUpload {
		return "", tooLarge(a.maxUpload)
	}
	if len(data) == 0 {
		return "", invalid("image", "is empty")
	}
	mtype := mimetype.Detect(data)
	if !strings.HasPrefix(mtype.String(), "image/") {
		return "", invalid("image", "must be an image, got "+mtype.String())
	}
	url, err := a.media.Put(ctx, key, bytes.NewReader(data), int64(len(data)), mtype.String())
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUpload, err)
	}
	return url, nil
}

func (a *App) discardMedia(ctx context.Context, key string) {
	if err := a.media.Delete(ctx, key); err != nil {
		util.LoggerFromContext(ctx).Warn("media_cleanup_failed", "key", key, "err", err)
	}
}

func tooLarge(limit int64) error {
	return fmt.Errorf("%w: %w", ErrTooLarge, invalid("image", fmt.Sprintf("must be at most %d bytes", limit)))
}
