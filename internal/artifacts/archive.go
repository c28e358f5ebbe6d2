package artifacts

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	DriverS3     = "s3"
	DriverMemory = "memory"

	resultContentType = "application/octet-stream"

	// metaHashKey carries the attestation hash so GetResult does not
	// have to recompute it for large payloads.
	metaHashKey = "result-hash"

	defaultMaxResultSize int64 = 8 << 20
)

var (
	ErrInvalidConfig  = errors.New("artifacts: invalid config")
	ErrInvalidPayload = errors.New("artifacts: invalid payload")
	ErrNotFound       = errors.New("artifacts: result not found")
	ErrTooLarge       = errors.New("artifacts: result too large")
)

// Archive persists job result payloads alongside their attestation
// hashes. PutResult returns the hex keccak256 of the payload, which is
// what completion records carry on the ledger side.
type Archive interface {
	PutResult(ctx context.Context, jobID uint64, payload []byte) (string, error)
	GetResult(ctx context.Context, jobID uint64) (Result, error)
	HasResult(ctx context.Context, jobID uint64) (bool, error)
	DeleteResult(ctx context.Context, jobID uint64) error
}

type Result struct {
	JobID    uint64
	Data     []byte
	Hash     string
	StoredAt time.Time
}

type Config struct {
	Driver string
	Prefix string

	// MaxResultSize bounds bytes accepted by PutResult and returned by
	// GetResult. Defaults to 8 MiB when <= 0.
	MaxResultSize int64

	// S3 fields.
	Bucket   string
	S3Client S3Client
}

type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

func New(cfg Config) (Archive, error) {
	switch normalizeDriver(cfg.Driver) {
	case DriverMemory:
		return newMemoryArchive(cfg), nil
	case DriverS3:
		return newS3Archive(cfg)
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

func normalizeDriver(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return DriverS3
	}
	return v
}

func normalizePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	return strings.Trim(prefix, "/")
}

func resultKey(prefix string, jobID uint64) string {
	key := "jobs/" + strconv.FormatUint(jobID, 10) + "/result"
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}

// HashResult computes the hex attestation hash of a result payload.
func HashResult(payload []byte) string {
	return hex.EncodeToString(crypto.Keccak256(payload))
}

func checkPayload(payload []byte, max int64) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty result", ErrInvalidPayload)
	}
	if int64(len(payload)) > max {
		return fmt.Errorf("%w: result is %d bytes, max %d", ErrTooLarge, len(payload), max)
	}
	return nil
}

func maxOrDefault(v int64) int64 {
	if v <= 0 {
		return defaultMaxResultSize
	}
	return v
}

func cloneBytes(v []byte) []byte {
	if v == nil {
		return nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out
}

type memoryArchive struct {
	mu      sync.RWMutex
	prefix  string
	maxSize int64
	results map[string]memoryResult
}

type memoryResult struct {
	jobID    uint64
	data     []byte
	hash     string
	storedAt time.Time
}

func newMemoryArchive(cfg Config) Archive {
	return &memoryArchive{
		prefix:  normalizePrefix(cfg.Prefix),
		maxSize: maxOrDefault(cfg.MaxResultSize),
		results: make(map[string]memoryResult),
	}
}

func (m *memoryArchive) PutResult(_ context.Context, jobID uint64, payload []byte) (string, error) {
	if err := checkPayload(payload, m.maxSize); err != nil {
		return "", err
	}
	hash := HashResult(payload)

	m.mu.Lock()
	m.results[resultKey(m.prefix, jobID)] = memoryResult{
		jobID:    jobID,
		data:     cloneBytes(payload),
		hash:     hash,
		storedAt: time.Now().UTC(),
	}
	m.mu.Unlock()
	return hash, nil
}

func (m *memoryArchive) GetResult(_ context.Context, jobID uint64) (Result, error) {
	m.mu.RLock()
	res, ok := m.results[resultKey(m.prefix, jobID)]
	m.mu.RUnlock()
	if !ok {
		return Result{}, fmt.Errorf("%w: job %d", ErrNotFound, jobID)
	}
	return Result{
		JobID:    jobID,
		Data:     cloneBytes(res.data),
		Hash:     res.hash,
		StoredAt: res.storedAt,
	}, nil
}

func (m *memoryArchive) HasResult(_ context.Context, jobID uint64) (bool, error) {
	m.mu.RLock()
	_, ok := m.results[resultKey(m.prefix, jobID)]
	m.mu.RUnlock()
	return ok, nil
}

func (m *memoryArchive) DeleteResult(_ context.Context, jobID uint64) error {
	m.mu.Lock()
	delete(m.results, resultKey(m.prefix, jobID))
	m.mu.Unlock()
	return nil
}

type s3Archive struct {
	client  S3Client
	bucket  string
	prefix  string
	maxSize int64
}

func newS3Archive(cfg Config) (Archive, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("%w: s3 bucket is required", ErrInvalidConfig)
	}
	if cfg.S3Client == nil {
		return nil, fmt.Errorf("%w: s3 client is required", ErrInvalidConfig)
	}
	return &s3Archive{
		client:  cfg.S3Client,
		bucket:  bucket,
		prefix:  normalizePrefix(cfg.Prefix),
		maxSize: maxOrDefault(cfg.MaxResultSize),
	}, nil
}

func (s *s3Archive) PutResult(ctx context.Context, jobID uint64, payload []byte) (string, error) {
	if err := checkPayload(payload, s.maxSize); err != nil {
		return "", err
	}
	hash := HashResult(payload)

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(resultKey(s.prefix, jobID)),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String(resultContentType),
		Metadata:    map[string]string{metaHashKey: hash},
	})
	if err != nil {
		return "", fmt.Errorf("artifacts/s3: put job %d: %w", jobID, err)
	}
	return hash, nil
}

func (s *s3Archive) GetResult(ctx context.Context, jobID uint64) (Result, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(resultKey(s.prefix, jobID)),
	})
	if err != nil {
		if isNotFound(err) {
			return Result{}, fmt.Errorf("%w: job %d", ErrNotFound, jobID)
		}
		return Result{}, fmt.Errorf("artifacts/s3: get job %d: %w", jobID, err)
	}
	defer func() { _ = out.Body.Close() }()

	limited := io.LimitReader(out.Body, s.maxSize+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return Result{}, fmt.Errorf("artifacts/s3: read job %d: %w", jobID, err)
	}
	if int64(len(data)) > s.maxSize {
		return Result{}, fmt.Errorf("%w: job %d exceeds max %d bytes", ErrTooLarge, jobID, s.maxSize)
	}

	hash := out.Metadata[metaHashKey]
	if hash == "" {
		hash = HashResult(data)
	}
	return Result{
		JobID:    jobID,
		Data:     data,
		Hash:     hash,
		StoredAt: aws.ToTime(out.LastModified),
	}, nil
}

func (s *s3Archive) HasResult(ctx context.Context, jobID uint64) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(resultKey(s.prefix, jobID)),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("artifacts/s3: head job %d: %w", jobID, err)
	}
	return true, nil
}

func (s *s3Archive) DeleteResult(ctx context.Context, jobID uint64) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(resultKey(s.prefix, jobID)),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("artifacts/s3: delete job %d: %w", jobID, err)
	}
	return nil
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "NoSuchKey", "NotFound", "404":
		return true
	default:
		return false
	}
}
