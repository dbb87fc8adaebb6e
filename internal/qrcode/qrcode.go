// Package qrcode renders a PowerAuth activation code (spec §3.6) as a
// QR image and stores it in object storage so an operator console can
// display it during an in-person enrollment flow, adapting the
// teacher's presigned-media pattern to an operator-facing artifact
// instead of a chat attachment.
package qrcode

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	qr "github.com/skip2/go-qrcode"
)

// Service generates and stores activation-code QR images.
type Service struct {
	client *minio.Client
	bucket string
}

// GeneratedCode is the stored artifact plus a presigned URL to fetch it.
type GeneratedCode struct {
	ObjectName  string
	DownloadURL string
	ExpiresIn   int
}

// NewService connects to endpoint and ensures bucket exists, mirroring
// the teacher's NewMediaService bucket-provisioning step.
func NewService(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Service, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, err
	}
	ctx := context.Background()
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, err
		}
	}
	return &Service{client: client, bucket: bucket}, nil
}

// GenerateAndStore renders activationCode (the dashed Base32+CRC16
// string from powerauth.ParseActivationCode's input, not the parsed
// struct) as a 256x256 QR PNG, uploads it, and returns a presigned
// download URL valid for 15 minutes — long enough for an operator to
// display it on a screen during enrollment.
func (s *Service) GenerateAndStore(ctx context.Context, sessionID, activationCode string) (*GeneratedCode, error) {
	png, err := qr.Encode(activationCode, qr.Medium, 256)
	if err != nil {
		return nil, fmt.Errorf("qrcode: encode failed: %w", err)
	}
	objectName := fmt.Sprintf("activation-codes/%s.png", sessionID)
	_, err = s.client.PutObject(ctx, s.bucket, objectName, bytes.NewReader(png), int64(len(png)),
		minio.PutObjectOptions{ContentType: "image/png"})
	if err != nil {
		return nil, fmt.Errorf("qrcode: upload failed: %w", err)
	}

	expiry := 15 * time.Minute
	url, err := s.client.PresignedGetObject(ctx, s.bucket, objectName, expiry, nil)
	if err != nil {
		return nil, fmt.Errorf("qrcode: presign failed: %w", err)
	}
	return &GeneratedCode{
		ObjectName:  objectName,
		DownloadURL: url.String(),
		ExpiresIn:   int(expiry.Seconds()),
	}, nil
}

// Delete removes a previously generated QR image once the operator
// console has confirmed the enrollment completed or expired.
func (s *Service) Delete(ctx context.Context, objectName string) error {
	return s.client.RemoveObject(ctx, s.bucket, objectName, minio.RemoveObjectOptions{})
}
