package persistence

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3API is the subset of the S3 client used by S3Store.
type S3API interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// S3Config describes the bucket an S3Store writes to.
type S3Config struct {
	Bucket string
	// Prefix is prepended to every key, e.g. "docsync/".
	Prefix string
	Region string
	// Endpoint overrides the service endpoint for S3-compatible stores.
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// S3Store keeps one object per update under <prefix><doc>/<seq>.
type S3Store struct {
	cfg S3Config

	mu     sync.Mutex
	client S3API
	seqs   map[string]int64
	closed bool
}

// NewS3Store creates a store for cfg. The client is built by Connect.
func NewS3Store(cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("persistence: s3 bucket is required")
	}
	return &S3Store{cfg: cfg, seqs: make(map[string]int64)}, nil
}

// NewS3StoreWithClient creates a store on an existing client.
func NewS3StoreWithClient(client S3API, bucket, prefix string) *S3Store {
	return &S3Store{
		cfg:    S3Config{Bucket: bucket, Prefix: prefix},
		client: client,
		seqs:   make(map[string]int64),
	}
}

func (s *S3Store) newClient() *s3.Client {
	opts := s3.Options{
		Region:       s.cfg.Region,
		UsePathStyle: s.cfg.UsePathStyle,
	}
	if s.cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(s.cfg.Endpoint)
	}
	if s.cfg.AccessKeyID != "" {
		key, secret := s.cfg.AccessKeyID, s.cfg.SecretAccessKey
		opts.Credentials = aws.NewCredentialsCache(aws.CredentialsProviderFunc(
			func(ctx context.Context) (aws.Credentials, error) {
				return aws.Credentials{AccessKeyID: key, SecretAccessKey: secret, Source: "docsync"}, nil
			}))
	}
	return s3.New(opts)
}

// Connect implements UpdateStore.
func (s *S3Store) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}
	if s.client == nil {
		s.client = s.newClient()
	}
	client := s.client
	s.mu.Unlock()

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.cfg.Bucket)}); err != nil {
		return fmt.Errorf("head bucket %q: %w", s.cfg.Bucket, err)
	}
	return nil
}

func (s *S3Store) handle() (S3API, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	if s.client == nil {
		return nil, ErrNotConnected
	}
	return s.client, nil
}

func (s *S3Store) docPrefix(id string) string {
	return s.cfg.Prefix + id + "/"
}

func (s *S3Store) key(id string, seq int64) string {
	return fmt.Sprintf("%s%020d", s.docPrefix(id), seq)
}

// list returns the sequence numbers stored for id, ascending.
func (s *S3Store) list(ctx context.Context, c S3API, id string) ([]int64, error) {
	prefix := s.docPrefix(id)
	p := s3.NewListObjectsV2Paginator(c, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String(prefix),
	})

	var seqs []int64
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			seq, err := strconv.ParseInt(name, 10, 64)
			if err != nil {
				continue
			}
			seqs = append(seqs, seq)
		}
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs, nil
}

func (s *S3Store) noteSeq(id string, seq int64) {
	s.mu.Lock()
	if seq > s.seqs[id] {
		s.seqs[id] = seq
	}
	s.mu.Unlock()
}

// Load implements UpdateStore.
func (s *S3Store) Load(ctx context.Context, id string) ([]Record, error) {
	c, err := s.handle()
	if err != nil {
		return nil, err
	}
	seqs, err := s.list(ctx, c, id)
	if err != nil {
		return nil, fmt.Errorf("load %q: %w", id, err)
	}
	if len(seqs) == 0 {
		return nil, nil
	}

	out := make([]Record, 0, len(seqs))
	for _, seq := range seqs {
		obj, err := c.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(s.key(id, seq)),
		})
		if err != nil {
			return nil, fmt.Errorf("load %q seq %d: %w", id, seq, err)
		}
		data, err := io.ReadAll(obj.Body)
		_ = obj.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read %q seq %d: %w", id, seq, err)
		}
		out = append(out, Record{Seq: seq, Update: data})
	}
	s.noteSeq(id, seqs[len(seqs)-1])
	return out, nil
}

func (s *S3Store) put(ctx context.Context, c S3API, id string, seq int64, data []byte) error {
	_, err := c.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(s.key(id, seq)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	})
	return err
}

// Append implements UpdateStore.
func (s *S3Store) Append(ctx context.Context, id string, update []byte) (int64, error) {
	c, err := s.handle()
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	_, seeded := s.seqs[id]
	s.mu.Unlock()
	if !seeded {
		seqs, err := s.list(ctx, c, id)
		if err != nil {
			return 0, fmt.Errorf("append %q: %w", id, err)
		}
		var last int64
		if len(seqs) > 0 {
			last = seqs[len(seqs)-1]
		}
		s.noteSeq(id, last)
	}

	s.mu.Lock()
	s.seqs[id]++
	seq := s.seqs[id]
	s.mu.Unlock()

	if err := s.put(ctx, c, id, seq, update); err != nil {
		return 0, fmt.Errorf("append %q: %w", id, err)
	}
	return seq, nil
}

// Compact implements UpdateStore. The merged object overwrites the one at
// through before older objects are deleted.
func (s *S3Store) Compact(ctx context.Context, id string, merged []byte, through int64) error {
	c, err := s.handle()
	if err != nil {
		return err
	}
	if err := s.put(ctx, c, id, through, merged); err != nil {
		return fmt.Errorf("compact %q: %w", id, err)
	}
	s.noteSeq(id, through)

	seqs, err := s.list(ctx, c, id)
	if err != nil {
		return fmt.Errorf("compact %q: %w", id, err)
	}
	var stale []types.ObjectIdentifier
	for _, seq := range seqs {
		if seq < through {
			stale = append(stale, types.ObjectIdentifier{Key: aws.String(s.key(id, seq))})
		}
	}
	// DeleteObjects accepts at most 1000 keys per call.
	for len(stale) > 0 {
		n := min(len(stale), 1000)
		_, err := c.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.cfg.Bucket),
			Delete: &types.Delete{Objects: stale[:n], Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("compact %q: %w", id, err)
		}
		stale = stale[n:]
	}
	return nil
}

// Close implements UpdateStore.
func (s *S3Store) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.client = nil
	return nil
}
