package storage

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockS3Client struct {
	mock.Mock
}

func (m *mockS3Client) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	args := m.Called(ctx, params)
	if out := args.Get(0); out != nil {
		return out.(*s3.ListObjectsV2Output), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockS3Client) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	args := m.Called(ctx, params)
	if out := args.Get(0); out != nil {
		return out.(*s3.GetObjectOutput), args.Error(1)
	}
	return nil, args.Error(1)
}

func TestListFollowsContinuation(t *testing.T) {
	client := &mockS3Client{}
	client.On("ListObjectsV2", mock.Anything, mock.MatchedBy(func(in *s3.ListObjectsV2Input) bool {
		return in.ContinuationToken == nil
	})).Return(&s3.ListObjectsV2Output{
		Contents: []types.Object{
			{Key: aws.String("scripts/"), Size: aws.Int64(0)},
			{Key: aws.String("scripts/a.py"), Size: aws.Int64(10)},
		},
		IsTruncated:           aws.Bool(true),
		NextContinuationToken: aws.String("next"),
	}, nil).Once()
	client.On("ListObjectsV2", mock.Anything, mock.MatchedBy(func(in *s3.ListObjectsV2Input) bool {
		return aws.ToString(in.ContinuationToken) == "next"
	})).Return(&s3.ListObjectsV2Output{
		Contents:    []types.Object{{Key: aws.String("scripts/premium/b.py"), Size: aws.Int64(20)}},
		IsTruncated: aws.Bool(false),
	}, nil).Once()

	store := NewS3StoreWithClient(client, "bucket")
	objs, err := store.List(context.Background(), "scripts/")
	require.NoError(t, err)
	require.Len(t, objs, 2)
	assert.Equal(t, "scripts/a.py", objs[0].Key)
	assert.Equal(t, "scripts/premium/b.py", objs[1].Key)
	client.AssertExpectations(t)
}

func TestGet(t *testing.T) {
	client := &mockS3Client{}
	client.On("GetObject", mock.Anything, mock.MatchedBy(func(in *s3.GetObjectInput) bool {
		return aws.ToString(in.Key) == "scripts/a.py"
	})).Return(&s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader([]byte("print(1)")))}, nil)
	client.On("GetObject", mock.Anything, mock.Anything).Return(nil, &types.NoSuchKey{})

	store := NewS3StoreWithClient(client, "bucket")
	data, err := store.Get(context.Background(), "scripts/a.py")
	require.NoError(t, err)
	assert.Equal(t, "print(1)", string(data))

	_, err = store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrObjectNotFound)
}
