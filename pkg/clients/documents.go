package clients

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/evidentra/testcycle-orchestrator/pkg/errors"
	"github.com/evidentra/testcycle-orchestrator/pkg/logging"
)

const documentsComponent = "document-store"

// DocumentStoreConfig configures evidence document storage.
type DocumentStoreConfig struct {
	Bucket string `yaml:"bucket"`
	Region string `yaml:"region"`
	// Prefix namespaces this deployment's objects inside a shared bucket.
	Prefix string `yaml:"prefix"`
}

// DocumentMeta describes a stored evidence document.
type DocumentMeta struct {
	Key        string    `json:"key"`
	InstanceID string    `json:"instance_id"`
	Phase      string    `json:"phase"`
	Filename   string    `json:"filename"`
	Size       int64     `json:"size"`
	UploadedBy string    `json:"uploaded_by"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// S3DocumentStore keeps the evidence files attached during Planning and
// RequestForInformation in object storage, keyed by instance and phase.
type S3DocumentStore struct {
	config DocumentStoreConfig
	client *s3.Client
	logger *logging.StructuredLogger
}

func NewS3DocumentStore(ctx context.Context, config DocumentStoreConfig, logger *logging.StructuredLogger) (*S3DocumentStore, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(config.Region))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, documentsComponent, "init", "load aws config")
	}
	return &S3DocumentStore{
		config: config,
		client: s3.NewFromConfig(cfg),
		logger: logger.WithComponent(documentsComponent),
	}, nil
}

func (s *S3DocumentStore) objectKey(instanceID, phase, filename string) string {
	return fmt.Sprintf("%s/%s/%s/%s", s.config.Prefix, instanceID, phase, filename)
}

// Put stores one document and returns its metadata.
func (s *S3DocumentStore) Put(ctx context.Context, instanceID, phase, filename, actorID string, body []byte) (*DocumentMeta, error) {
	key := s.objectKey(instanceID, phase, filename)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &s.config.Bucket,
		Key:    &key,
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeExternal, documentsComponent, "put", "store document").
			WithInstance(instanceID)
	}

	meta := &DocumentMeta{
		Key:        key,
		InstanceID: instanceID,
		Phase:      phase,
		Filename:   filename,
		Size:       int64(len(body)),
		UploadedBy: actorID,
		UploadedAt: time.Now(),
	}
	s.logger.InfoWithContext("document stored",
		"instance_id", instanceID,
		"phase", phase,
		"key", key,
		"size", meta.Size,
	)
	return meta, nil
}

// Get fetches one document's contents.
func (s *S3DocumentStore) Get(ctx context.Context, instanceID, phase, filename string) ([]byte, error) {
	key := s.objectKey(instanceID, phase, filename)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.config.Bucket,
		Key:    &key,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeExternal, documentsComponent, "get", "fetch document").
			WithInstance(instanceID)
	}
	defer out.Body.Close() //nolint:errcheck
	return io.ReadAll(out.Body)
}

// List enumerates the documents stored for one instance phase.
func (s *S3DocumentStore) List(ctx context.Context, instanceID, phase string) ([]DocumentMeta, error) {
	prefix := fmt.Sprintf("%s/%s/%s/", s.config.Prefix, instanceID, phase)
	out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: &s.config.Bucket,
		Prefix: &prefix,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeExternal, documentsComponent, "list", "list documents").
			WithInstance(instanceID)
	}

	metas := make([]DocumentMeta, 0, len(out.Contents))
	for _, obj := range out.Contents {
		m := DocumentMeta{InstanceID: instanceID, Phase: phase}
		if obj.Key != nil {
			m.Key = *obj.Key
		}
		if obj.Size != nil {
			m.Size = *obj.Size
		}
		if obj.LastModified != nil {
			m.UploadedAt = *obj.LastModified
		}
		metas = append(metas, m)
	}
	return metas, nil
}
