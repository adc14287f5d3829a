package devstore

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// The aws-sdk-go-v2 S3 client signs with its own SigV4 implementation, so
// driving the store with it checks the verifier against a second signer.
func TestSDKClientMultipart(t *testing.T) {
	s, ts, _ := newTestStore(t, Options{})

	client := s3.New(s3.Options{
		Region:       "us-east-1",
		BaseEndpoint: aws.String(ts.URL),
		UsePathStyle: true,
		Credentials:  credentials.NewStaticCredentialsProvider(testCreds.AccessKeyID, testCreds.SecretAccessKey, ""),
	})
	ctx := context.Background()

	created, err := client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String("media"),
		Key:         aws.String("videos/v1/clip.mp4"),
		ContentType: aws.String("video/mp4"),
	})
	if err != nil {
		t.Fatalf("CreateMultipartUpload: %v", err)
	}
	uploadID := aws.ToString(created.UploadId)
	if uploadID == "" {
		t.Fatal("empty upload id")
	}

	listed, err := client.ListParts(ctx, &s3.ListPartsInput{
		Bucket:   aws.String("media"),
		Key:      aws.String("videos/v1/clip.mp4"),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		t.Fatalf("ListParts: %v", err)
	}
	if len(listed.Parts) != 0 {
		t.Errorf("listed %d parts, want 0", len(listed.Parts))
	}

	if _, err := client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String("media"),
		Key:      aws.String("videos/v1/clip.mp4"),
		UploadId: aws.String(uploadID),
	}); err != nil {
		t.Fatalf("AbortMultipartUpload: %v", err)
	}
	if n := s.PendingUploads(); n != 0 {
		t.Errorf("pending uploads = %d, want 0", n)
	}
}
