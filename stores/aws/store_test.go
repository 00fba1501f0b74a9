package aws

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rentaltruth-server/core"
	"rentaltruth-server/stores/storetest"
)

// fakeS3 is an in-memory bucket that pages listings two keys at a time.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	listErr error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(params.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}

	var keys []string
	for key := range f.objects {
		if strings.HasPrefix(key, aws.ToString(params.Prefix)) && key > aws.ToString(params.ContinuationToken) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	if len(keys) > 2 {
		keys = keys[:2]
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(keys[1])
	}
	for _, key := range keys {
		out.Contents = append(out.Contents, s3types.Object{Key: aws.String(key)})
	}
	return out, nil
}

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) core.Store {
		return NewStoreWithClient(newFakeS3(), "test-bucket")
	})
}

func TestPropertyKeyLayout(t *testing.T) {
	client := newFakeS3()
	store := NewStoreWithClient(client, "test-bucket")
	ctx := context.Background()

	id, err := store.CreateProperty(ctx, &core.Property{OwnerID: "o", TotalBeds: 2})
	require.NoError(t, err)
	require.NoError(t, store.AppendActivity(ctx, &core.Activity{ID: "a1", PropertyID: id, ActivityType: core.ActivityView}))

	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Contains(t, client.objects, "properties/"+string(id)+".json")
	assert.Contains(t, client.objects, "activity/"+string(id)+"/a1.json")
}

func TestGetPropertyRejectsPaths(t *testing.T) {
	store := NewStoreWithClient(newFakeS3(), "test-bucket")

	_, err := store.GetProperty(context.Background(), "../secrets")
	assert.ErrorIs(t, err, core.ErrPropertyNotFound)
}

func TestListActivityPropagatesListErrors(t *testing.T) {
	client := newFakeS3()
	client.listErr = errors.New("access denied")
	store := NewStoreWithClient(client, "test-bucket")

	_, err := store.ListActivity(context.Background(), "p1", 5)
	assert.ErrorContains(t, err, "access denied")
}
