package utils

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

const XlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// StoredObject describes an upload that GCS acknowledged.
type StoredObject struct {
	Bucket string `json:"bucket"`
	Name   string `json:"name"`
	URI    string `json:"uri"`
	Size   int64  `json:"size"`
}

func storageClient(ctx context.Context) (*storage.Client, error) {
	if credJSON := strings.TrimSpace(os.Getenv("GCS_CREDENTIALS_JSON")); credJSON != "" {
		return storage.NewClient(ctx, option.WithCredentialsJSON([]byte(credJSON)))
	}
	return storage.NewClient(ctx)
}

// ExportObjectName lays exports out by UTC day: payouts/2026/10/17/<name>.xlsx
func ExportObjectName(prefix string, at time.Time, name string) string {
	return fmt.Sprintf("%s/%s/%s", strings.Trim(prefix, "/"), at.UTC().Format("2006/01/02"), name)
}

// UploadBytesToGCS writes a private object to GCS_BUCKET. Metadata is stored as custom object
// metadata (who exported, which filter).
func UploadBytesToGCS(ctx context.Context, objectName string, data []byte, contentType string, metadata map[string]string) (*StoredObject, error) {
	bucket := os.Getenv("GCS_BUCKET")
	if bucket == "" {
		return nil, errors.New("GCS_BUCKET is required")
	}
	client, err := storageClient(ctx)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	w := client.Bucket(bucket).Object(objectName).NewWriter(ctx)
	w.ContentType = contentType
	w.CacheControl = "private, max-age=0"
	w.Metadata = metadata
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("upload %s: %w", objectName, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalize %s: %w", objectName, err)
	}
	size := int64(len(data))
	if attrs := w.Attrs(); attrs != nil {
		size = attrs.Size
	}
	return &StoredObject{
		Bucket: bucket,
		Name:   objectName,
		URI:    fmt.Sprintf("gs://%s/%s", bucket, objectName),
		Size:   size,
	}, nil
}
