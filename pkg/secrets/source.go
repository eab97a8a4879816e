package secrets

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Load reads the master secret from path and wraps it in a Context.
// mode selects the backend: "local" reads a file, "aws" an s3:// object,
// "gcp" a gs:// object, and "auto" infers the backend from the path
// scheme. Trailing whitespace is trimmed; an empty result is an error the
// caller must treat as fatal.
func Load(ctx context.Context, mode, path string) (*Context, error) {
	if mode == "" || mode == "auto" {
		switch {
		case strings.HasPrefix(path, "s3://"):
			mode = "aws"
		case strings.HasPrefix(path, "gs://"):
			mode = "gcp"
		default:
			mode = "local"
		}
	}

	var (
		raw []byte
		err error
	)
	switch mode {
	case "local":
		raw, err = os.ReadFile(path)
	case "aws":
		raw, err = readS3(ctx, path)
	case "gcp":
		raw, err = readGCS(ctx, path)
	default:
		return nil, fmt.Errorf("secrets: unknown SECRET_MODE %q", mode)
	}
	if err != nil {
		return nil, fmt.Errorf("secrets: failed to read master secret: %w", err)
	}

	raw = bytes.TrimRight(raw, " \t\r\n")
	if len(raw) == 0 {
		return nil, fmt.Errorf("secrets: master secret at %s is empty", path)
	}

	slog.Info("master secret loaded", "mode", mode, "bytes", len(raw))
	return NewContext(raw)
}

// readS3 fetches s3://bucket/key using ambient AWS credentials.
func readS3(ctx context.Context, uri string) ([]byte, error) {
	bucket, key, err := splitObjectURI(uri, "s3://")
	if err != nil {
		return nil, err
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	out, err := s3.NewFromConfig(cfg).GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", uri, err)
	}
	defer out.Body.Close()

	return io.ReadAll(out.Body)
}

// readGCS fetches gs://bucket/object using ambient GCP credentials.
func readGCS(ctx context.Context, uri string) ([]byte, error) {
	bucket, object, err := splitObjectURI(uri, "gs://")
	if err != nil {
		return nil, err
	}

	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	defer client.Close()

	rd, err := client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", uri, err)
	}
	defer rd.Close()

	return io.ReadAll(rd)
}

func splitObjectURI(uri, scheme string) (bucket, key string, err error) {
	rest := strings.TrimPrefix(uri, scheme)
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("malformed object URI %q, want %sbucket/key", uri, scheme)
	}
	return bucket, key, nil
}
