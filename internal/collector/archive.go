package collector

import (
	"context"
	"fmt"
	"log/slog"
	"path"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"

	"github.com/care/proctor/internal/types"
)

// BlobArchive keeps a copy of every uploaded segment in Azure Blob Storage,
// keyed by <session>/<index>-<segment id><ext>
type BlobArchive struct {
	client    *azblob.Client
	container string
	sessionID string
}

// NewBlobArchive connects using a storage connection string
func NewBlobArchive(connectionString, container, sessionID string) (*BlobArchive, error) {
	client, err := azblob.NewClientFromConnectionString(connectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create blob client: %w", err)
	}
	return &BlobArchive{
		client:    client,
		container: container,
		sessionID: sessionID,
	}, nil
}

// BlobName returns the archive key for seg
func (a *BlobArchive) BlobName(seg *types.Segment) string {
	return path.Join(a.sessionID, fmt.Sprintf("%05d-%s%s", seg.Index, seg.ID, seg.Extension()))
}

// ArchiveSegment uploads the concatenated segment payload
func (a *BlobArchive) ArchiveSegment(ctx context.Context, seg *types.Segment) error {
	name := a.BlobName(seg)
	contentType := seg.MIMEType
	_, err := a.client.UploadBuffer(ctx, a.container, name, seg.Bytes(), &azblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &contentType},
	})
	if err != nil {
		return fmt.Errorf("failed to archive %s: %w", name, err)
	}

	slog.Debug("segment archived",
		"segment", seg.ID,
		"container", a.container,
		"blob", name,
		"size_bytes", seg.Size(),
	)
	return nil
}
