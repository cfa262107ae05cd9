package audit

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/google/uuid"
)

const s3WriteTimeout = 30 * time.Second

// s3Delivery writes one object per audit event to S3 or a compatible store.
// URI format: s3://[ACCESS_KEY:SECRET_KEY@]bucket/prefix/?region=us-east-1&endpoint=custom.s3.com
type s3Delivery struct {
	client     *s3.S3
	bucketName string
	prefix     string
	log        *slog.Logger
}

func newS3Delivery(u *url.URL, logger *slog.Logger) (*s3Delivery, error) {
	bucketName := u.Host
	if bucketName == "" {
		return nil, fmt.Errorf("missing bucket in audit S3 URI")
	}
	prefix := strings.Trim(u.Path, "/")

	query := u.Query()
	region := query.Get("region")
	if region == "" {
		region = "us-east-1"
	}

	cfg := aws.Config{
		Region: aws.String(region),
	}
	if endpoint := query.Get("endpoint"); endpoint != "" {
		cfg.Endpoint = aws.String(endpoint)
	}
	if u.User != nil {
		secretKey, _ := u.User.Password()
		cfg.Credentials = credentials.NewStaticCredentials(u.User.Username(), secretKey, "")
	} else {
		logger.Warn("No S3 credentials in audit sink URI, relying on ambient AWS credentials")
	}

	sess, err := session.NewSession(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return &s3Delivery{
		client:     s3.New(sess),
		bucketName: bucketName,
		prefix:     prefix,
		log:        logger,
	}, nil
}

func (d *s3Delivery) write(line []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), s3WriteTimeout)
	defer cancel()

	now := time.Now().UTC()
	key := path.Join(d.prefix, now.Format("2006/01/02"),
		fmt.Sprintf("%s-%s.json", now.Format("150405"), uuid.NewString()))

	_, err := d.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(d.bucketName),
		Key:         aws.String(key),
		Body:        bytes.NewReader(line),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload audit event to S3: %w", err)
	}
	return nil
}

func (d *s3Delivery) name() string { return "s3-" + d.bucketName }

func (d *s3Delivery) close() error { return nil }
