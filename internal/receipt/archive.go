package receipt

import (
	"bytes"
	"context"
	"fmt"

	"donation-service/internal/config"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/pkg/errors"
)

// Archive stores rendered receipts for bookkeeping.
type Archive interface {
	Put(ctx context.Context, key string, body []byte) error
}

type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3Archive struct {
	client ObjectPutter
	bucket string
}

func NewS3Archive(client ObjectPutter, bucket string) *S3Archive {
	return &S3Archive{client: client, bucket: bucket}
}

// NewS3ArchiveFromConfig loads the default AWS credential chain for the
// configured region.
func NewS3ArchiveFromConfig(ctx context.Context, cfg config.ReceiptArchive) (*S3Archive, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, errors.Wrap(err, "load AWS config")
	}
	return NewS3Archive(s3.NewFromConfig(awsCfg), cfg.Bucket), nil
}

func (a *S3Archive) Put(ctx context.Context, key string, body []byte) error {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	return errors.Wrapf(err, "put receipt %s", key)
}

// ObjectKey groups receipts by day of the event.
func ObjectKey(n Notification, day string) string {
	return fmt.Sprintf("receipts/%s/%s-%s.json", day, n.DonationID, n.Event)
}
