package worker

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/google/uuid"
)

// MetadataClient is the part of the EC2 instance metadata client used to
// name a worker.
type MetadataClient interface {
	GetMetadata(ctx context.Context, in *imds.GetMetadataInput, optFns ...func(*imds.Options)) (*imds.GetMetadataOutput, error)
}

const metadataTimeout = 2 * time.Second

// ResolveID picks the worker id: the configured one, then the EC2 instance
// id, then a random UUID. md may be nil off EC2.
func ResolveID(ctx context.Context, configured string, md MetadataClient) string {
	if id := strings.TrimSpace(configured); id != "" {
		return id
	}
	if md != nil {
		if id, err := instanceID(ctx, md); err == nil && id != "" {
			return id
		}
	}
	return "worker-" + uuid.NewString()
}

func instanceID(ctx context.Context, md MetadataClient) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, metadataTimeout)
	defer cancel()

	out, err := md.GetMetadata(ctx, &imds.GetMetadataInput{Path: "instance-id"})
	if err != nil {
		return "", err
	}
	defer func() { _ = out.Content.Close() }()

	b, err := io.ReadAll(io.LimitReader(out.Content, 256))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}
