// Package upload sends saved recordings to S3 and tags them.
package upload

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"
	"github.com/sirupsen/logrus"
)

const (
	// PartSize is the multipart chunk size.
	PartSize = 5 * 1024 * 1024
	// Concurrency bounds parallel part uploads.
	Concurrency = 5
	// TagValue is stored against every tag key.
	TagValue = "True"
)

// Options configures a Client. Empty keys fall back to the SDK's default
// credential chain.
type Options struct {
	Bucket     string
	Region     string
	Endpoint   string
	AccessKey  string
	SecretKey  string
	HTTPClient *http.Client
}

// UploadError reports which step of an upload failed.
type UploadError struct {
	Key   string
	Stage string
	Err   error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload %s: %s: %v", e.Key, e.Stage, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// Result describes a finished upload.
type Result struct {
	Bucket   string `json:"bucket"`
	Key      string `json:"key"`
	Location string `json:"location"`
	Size     int64  `json:"size"`
	ETag     string `json:"etag,omitempty"`
	// Uploaded is set once the object is confirmed to exist, even if
	// tagging later fails.
	Uploaded bool     `json:"uploaded"`
	Tags     []string `json:"tags,omitempty"`
}

// Client uploads files to one bucket.
type Client struct {
	bucket string
	api    s3iface.S3API
	up     s3manageriface.UploaderAPI
	log    *logrus.Entry
}

// NewClient builds a Client from opts.
func NewClient(opts Options) (*Client, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("upload bucket not configured")
	}
	cfg := aws.NewConfig().WithRegion(opts.Region)
	if opts.AccessKey != "" {
		cfg.WithCredentials(credentials.NewStaticCredentials(opts.AccessKey, opts.SecretKey, ""))
	}
	if opts.Endpoint != "" {
		cfg.WithEndpoint(opts.Endpoint).WithS3ForcePathStyle(true)
	}
	if opts.HTTPClient != nil {
		cfg.WithHTTPClient(opts.HTTPClient)
	}
	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}
	api := s3.New(sess)
	up := s3manager.NewUploaderWithClient(api, func(u *s3manager.Uploader) {
		u.PartSize = PartSize
		u.Concurrency = Concurrency
	})
	return NewClientWithAPI(opts.Bucket, api, up), nil
}

// NewClientWithAPI wraps existing S3 clients.
func NewClientWithAPI(bucket string, api s3iface.S3API, up s3manageriface.UploaderAPI) *Client {
	return &Client{
		bucket: bucket,
		api:    api,
		up:     up,
		log:    logrus.WithFields(logrus.Fields{"component": "upload", "bucket": bucket}),
	}
}

// Bucket returns the target bucket.
func (c *Client) Bucket() string { return c.bucket }

// Upload sends the file at path as key, confirms it with HeadObject and then
// tags it with each tag set to "True".
func (c *Client) Upload(ctx context.Context, path, key string, tags []string) (Result, error) {
	res := Result{Bucket: c.bucket, Key: key}

	f, err := os.Open(path)
	if err != nil {
		return res, &UploadError{Key: key, Stage: "open", Err: err}
	}
	defer f.Close()

	out, err := c.up.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String("text/csv"),
	})
	if err != nil {
		return res, &UploadError{Key: key, Stage: "upload", Err: err}
	}
	res.Location = out.Location

	head, err := c.api.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return res, &UploadError{Key: key, Stage: "confirm", Err: err}
	}
	res.Size = aws.Int64Value(head.ContentLength)
	res.ETag = aws.StringValue(head.ETag)
	res.Uploaded = true
	c.log.WithFields(logrus.Fields{"key": key, "size": res.Size}).Info("file uploaded")

	if len(tags) == 0 {
		return res, nil
	}
	tagSet := make([]*s3.Tag, 0, len(tags))
	for _, t := range tags {
		tagSet = append(tagSet, &s3.Tag{Key: aws.String(t), Value: aws.String(TagValue)})
	}
	if _, err := c.api.PutObjectTaggingWithContext(ctx, &s3.PutObjectTaggingInput{
		Bucket:  aws.String(c.bucket),
		Key:     aws.String(key),
		Tagging: &s3.Tagging{TagSet: tagSet},
	}); err != nil {
		return res, &UploadError{Key: key, Stage: "tag", Err: err}
	}
	res.Tags = tags
	return res, nil
}
