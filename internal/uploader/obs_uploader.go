package uploader

import (
	"fmt"
	"log/slog"
	"path"

	"github.com/huaweicloud/huaweicloud-sdk-go-obs/obs"
)

const keyPrefix = "downloads"

// ObsUploader mirrors finished artifacts to an OBS bucket.
type ObsUploader struct {
	client *obs.ObsClient
	bucket string
	log    *slog.Logger
}

func NewObsUploader(endpoint, ak, sk, bucket string, log *slog.Logger) (*ObsUploader, error) {
	client, err := obs.New(ak, sk, endpoint)
	if err != nil {
		return nil, fmt.Errorf("cannot create OBS client: %w", err)
	}

	return &ObsUploader{
		client: client,
		bucket: bucket,
		log:    log.With(slog.String("item", "ObsUploader")),
	}, nil
}

// ObjectKey is where an artifact file name is stored in the bucket.
func ObjectKey(name string) string {
	return path.Join(keyPrefix, path.Base(name))
}

// UploadFile uploads the local file at filePath under the key for name.
func (u *ObsUploader) UploadFile(name, filePath string) error {
	input := &obs.PutFileInput{}
	input.Bucket = u.bucket
	input.Key = ObjectKey(name)
	input.SourceFile = filePath

	output, err := u.client.PutFile(input)
	if err != nil {
		return describe("upload", err)
	}

	u.log.Info("artifact mirrored",
		slog.String("bucket", u.bucket), slog.String("key", input.Key), slog.String("etag", output.ETag))
	return nil
}

// DeleteObject removes the mirrored copy of name.
func (u *ObsUploader) DeleteObject(name string) error {
	input := &obs.DeleteObjectInput{}
	input.Bucket = u.bucket
	input.Key = ObjectKey(name)

	if _, err := u.client.DeleteObject(input); err != nil {
		return describe("delete", err)
	}

	return nil
}

func (u *ObsUploader) Close() {
	if u.client != nil {
		u.client.Close()
	}
}

func describe(op string, err error) error {
	if obsError, ok := err.(obs.ObsError); ok {
		return fmt.Errorf("OBS %s failed, code: %s, message: %s", op, obsError.Code, obsError.Message)
	}
	return fmt.Errorf("OBS %s failed: %w", op, err)
}
