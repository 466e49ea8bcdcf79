package artifact

import (
	"bytes"
	"context"
	"image"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/andresmejia3/facegate/internal/logging"
	"github.com/andresmejia3/facegate/internal/types"
)

var (
	loadDefaultAWSConfig = config.LoadDefaultConfig

	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		return s3.NewFromConfig(cfg, optFns...)
	}
)

// ObjectPutter is the slice of the S3 API the mirror needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3Options struct {
	Region    string
	Endpoint  string // MinIO or another S3-compatible endpoint
	AccessKey string
	SecretKey string
}

// NewS3Client builds a client from the default AWS chain, overridden by
// static credentials and a custom endpoint when given.
func NewS3Client(ctx context.Context, o S3Options) (*s3.Client, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(o.Region)}
	if o.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(o.AccessKey, o.SecretKey, "")))
	}
	cfg, err := loadDefaultAWSConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return newS3ClientFromConfig(cfg, func(so *s3.Options) {
		if o.Endpoint != "" {
			so.BaseEndpoint = aws.String(o.Endpoint)
			so.UsePathStyle = true
		}
	}), nil
}

// S3Mirror saves locally and then uploads the same PNG to
// denied/YYYY/MM/DD/<file> in Bucket. Upload failures are logged only.
type S3Mirror struct {
	local  *DirWriter
	client ObjectPutter
	bucket string
	log    logging.Logger
}

func NewS3Mirror(local *DirWriter, client ObjectPutter, bucket string, log logging.Logger) *S3Mirror {
	if log == nil {
		log = logging.Nop()
	}
	return &S3Mirror{local: local, client: client, bucket: bucket, log: log}
}

func (m *S3Mirror) Save(ctx context.Context, frame image.Image, box types.Box) (string, error) {
	snap, err := m.local.write(ctx, frame, box)
	if err != nil {
		return "", err
	}

	key := ObjectKey(filepath.Base(snap.path), snap.at)
	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(snap.data),
		ContentType: aws.String("image/png"),
	})
	if err != nil {
		m.log.Warn(ctx, "snapshot upload failed", "bucket", m.bucket, "key", key, "error", err)
		return snap.path, nil
	}
	m.log.Debug(ctx, "snapshot uploaded", "bucket", m.bucket, "key", key)
	return snap.path, nil
}

// ObjectKey places name under the date it was stamped with.
func ObjectKey(name string, at time.Time) string {
	return "denied/" + at.Format("2006/01/02") + "/" + name
}
