// Package s3 implements the object backend driver on top of
// github.com/aws/aws-sdk-go-v2/service/s3. A (namespace, path) object
// becomes the S3 object key "<namespace>/<path>" in a single
// configured bucket.
//
// S3 has no partial-write primitive: Write performs a read-modify-write
// GetObject+PutObject cycle guarded by the handle-level lock below,
// which only serializes writers within one server process. Read uses a
// ranged GetObject (Range: bytes=off-off+len-1), which S3 supports
// natively and cheaply.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/juleago/julea/internal/backend"
	"github.com/juleago/julea/internal/message"
)

func init() {
	backend.DefaultRegistry.Register("s3", backend.Factory{
		Info: backend.Info{
			Name:      "s3",
			Component: message.ComponentClient | message.ComponentServer,
		},
		Object: func() backend.ObjectBackend { return NewObjectBackend() },
	})
}

// ObjectBackend is the aws-sdk-go-v2-backed implementation of
// backend.ObjectBackend.
type ObjectBackend struct{}

// NewObjectBackend returns a fresh ObjectBackend.
func NewObjectBackend() *ObjectBackend { return &ObjectBackend{} }

type objectHandle struct {
	client *s3.Client
	bucket string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (h *objectHandle) lockFor(key string) *sync.Mutex {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.locks[key]
	if !ok {
		m = &sync.Mutex{}
		h.locks[key] = m
	}
	return m
}

// Init loads AWS config from the environment/shared config files and
// targets bucket (the configured backend path is the bucket name).
func (*ObjectBackend) Init(ctx context.Context, bucket string) (any, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("s3: load aws config: %w", err)
	}
	return &objectHandle{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

func (*ObjectBackend) Fini(_ any) error { return nil }

func objectKey(namespace, path string) string {
	return namespace + "/" + path
}

type objectRef struct {
	h   *objectHandle
	key string
}

func (b *ObjectBackend) Create(_ context.Context, h any, namespace, path string) (any, error) {
	hdl := h.(*objectHandle)
	return &objectRef{h: hdl, key: objectKey(namespace, path)}, nil
}

func (b *ObjectBackend) Open(ctx context.Context, h any, namespace, path string) (any, error) {
	hdl := h.(*objectHandle)
	key := objectKey(namespace, path)
	if _, err := hdl.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(hdl.bucket), Key: aws.String(key)}); err != nil {
		return nil, fmt.Errorf("s3: object not found: %s: %w", key, err)
	}
	return &objectRef{h: hdl, key: key}, nil
}

func (b *ObjectBackend) Delete(ctx context.Context, obj any) error {
	ref := obj.(*objectRef)
	_, err := ref.h.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(ref.h.bucket), Key: aws.String(ref.key)})
	return err
}

func (b *ObjectBackend) Close(_ any) error { return nil }

func (b *ObjectBackend) Status(ctx context.Context, obj any) (time.Time, uint64, error) {
	ref := obj.(*objectRef)
	out, err := ref.h.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(ref.h.bucket), Key: aws.String(ref.key)})
	if err != nil {
		return time.Time{}, 0, err
	}
	var mtime time.Time
	if out.LastModified != nil {
		mtime = *out.LastModified
	}
	size := uint64(0)
	if out.ContentLength != nil {
		size = uint64(*out.ContentLength)
	}
	return mtime, size, nil
}

// Sync is a no-op: every Write already completed a durable PutObject
// before returning, so there is nothing buffered client-side to flush.
func (b *ObjectBackend) Sync(_ context.Context, _ any) error { return nil }

func (b *ObjectBackend) Read(ctx context.Context, obj any, buf []byte, offset uint64) (int, error) {
	ref := obj.(*objectRef)
	rng := fmt.Sprintf("bytes=%d-%d", offset, offset+uint64(len(buf))-1)
	out, err := ref.h.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(ref.h.bucket),
		Key:    aws.String(ref.key),
		Range:  aws.String(rng),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return 0, nil
		}
		return 0, err
	}
	defer out.Body.Close()
	n, err := io.ReadFull(out.Body, buf)
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		return n, nil
	}
	return n, err
}

// isNoSuchKey reports whether err is S3's "no such key"/"invalid range
// on a zero-length object" response, both of which this driver treats
// as "nothing read yet" rather than a failure.
func isNoSuchKey(err error) bool {
	return strings.Contains(err.Error(), "NoSuchKey") || strings.Contains(err.Error(), "InvalidRange")
}

func (b *ObjectBackend) Write(ctx context.Context, obj any, buf []byte, offset uint64) (int, error) {
	ref := obj.(*objectRef)
	lock := ref.h.lockFor(ref.key)
	lock.Lock()
	defer lock.Unlock()

	existing, err := ref.h.readWhole(ctx, ref.key)
	if err != nil {
		return 0, err
	}
	end := offset + uint64(len(buf))
	if end > uint64(len(existing)) {
		grown := make([]byte, end)
		copy(grown, existing)
		existing = grown
	}
	copy(existing[offset:], buf)

	_, err = ref.h.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(ref.h.bucket),
		Key:    aws.String(ref.key),
		Body:   bytes.NewReader(existing),
	})
	if err != nil {
		return 0, err
	}
	return len(buf), nil
}

func (h *objectHandle) readWhole(ctx context.Context, key string) ([]byte, error) {
	out, err := h.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(h.bucket), Key: aws.String(key)})
	if err != nil {
		if strings.Contains(err.Error(), "NoSuchKey") {
			return nil, nil
		}
		return nil, err
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

type objectIterator struct {
	names []string
	pos   int
}

func (it *objectIterator) Next(_ context.Context) (string, bool, error) {
	if it.pos >= len(it.names) {
		return "", false, nil
	}
	name := it.names[it.pos]
	it.pos++
	return name, true, nil
}

func (b *ObjectBackend) GetAll(ctx context.Context, h any, namespace string) (backend.ObjectIterator, error) {
	return b.GetByPrefix(ctx, h, namespace, "")
}

func (b *ObjectBackend) GetByPrefix(ctx context.Context, h any, namespace, prefix string) (backend.ObjectIterator, error) {
	hdl := h.(*objectHandle)
	nsPrefix := namespace + "/"
	fullPrefix := nsPrefix + prefix

	var names []string
	var token *string
	for {
		out, err := hdl.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(hdl.bucket),
			Prefix:            aws.String(fullPrefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, err
		}
		for _, obj := range out.Contents {
			if obj.Key == nil {
				continue
			}
			names = append(names, strings.TrimPrefix(*obj.Key, nsPrefix))
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			break
		}
		token = out.NextContinuationToken
	}
	sort.Strings(names)
	return &objectIterator{names: names}, nil
}
