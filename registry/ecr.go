package registry

// ecr.go is the registry-side counterpart of client.go: everything that
// talks to the remote registry rather than the local daemon. the remote
// digest is deliberately fetched through an independent code path
// (go-containerregistry against the registry API) so the verification never
// compares the daemon's view against itself.

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/ecr"
	ecrtypes "github.com/aws/aws-sdk-go-v2/service/ecr/types"
	dockerregistry "github.com/docker/docker/api/types/registry"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/opencontainers/go-digest"
)

// Registry is the narrow surface the pipeline and the environment validator
// need from the remote registry.
type Registry interface {
	// PushAuth returns the base64-encoded auth payload the daemon expects
	// for pushes to this registry
	PushAuth(ctx context.Context) (string, error)

	// RemoteDigest asks the registry which manifest digest it holds for a
	// fully qualified reference
	RemoteDigest(ctx context.Context, imageRef string) (string, error)

	// RepositoryExists reports whether the named repository exists.
	// read-only; used by the validator before any mutation begins.
	RepositoryExists(ctx context.Context, repository string) (bool, error)
}

// ECRAPI is the subset of the ECR client the adapter calls.
type ECRAPI interface {
	GetAuthorizationToken(ctx context.Context, params *ecr.GetAuthorizationTokenInput, optFns ...func(*ecr.Options)) (*ecr.GetAuthorizationTokenOutput, error)
	DescribeRepositories(ctx context.Context, params *ecr.DescribeRepositoriesInput, optFns ...func(*ecr.Options)) (*ecr.DescribeRepositoriesOutput, error)
}

// ECRRegistry adapts the AWS ECR API to the Registry interface.
type ECRRegistry struct {
	api ECRAPI
}

var _ Registry = (*ECRRegistry)(nil)

// NewECRRegistry wraps an ECR client.
func NewECRRegistry(api ECRAPI) *ECRRegistry {
	return &ECRRegistry{api: api}
}

// credentials fetches and decodes the registry's short-lived basic-auth pair.
func (reg *ECRRegistry) credentials(ctx context.Context) (username, password string, err error) {
	output, err := reg.api.GetAuthorizationToken(ctx, &ecr.GetAuthorizationTokenInput{})
	if err != nil {
		return "", "", fmt.Errorf("failed to get registry authorization token: %w", err)
	}
	if len(output.AuthorizationData) == 0 || output.AuthorizationData[0].AuthorizationToken == nil {
		return "", "", errors.New("registry returned no authorization data")
	}

	decoded, err := base64.StdEncoding.DecodeString(*output.AuthorizationData[0].AuthorizationToken)
	if err != nil {
		return "", "", fmt.Errorf("failed to decode registry authorization token: %w", err)
	}
	username, password, found := strings.Cut(string(decoded), ":")
	if !found {
		return "", "", errors.New("registry authorization token is not user:password")
	}
	return username, password, nil
}

// PushAuth converts the registry credentials into the base64 AuthConfig
// payload the daemon's push endpoint expects.
func (reg *ECRRegistry) PushAuth(ctx context.Context) (string, error) {
	username, password, err := reg.credentials(ctx)
	if err != nil {
		return "", err
	}
	encoded, err := json.Marshal(dockerregistry.AuthConfig{
		Username: username,
		Password: password,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode push auth: %w", err)
	}
	return base64.URLEncoding.EncodeToString(encoded), nil
}

// RemoteDigest issues a HEAD request for the manifest and returns its digest.
// the returned string is validated as a well-formed digest before use so a
// misbehaving registry cannot smuggle arbitrary text into the comparison.
func (reg *ECRRegistry) RemoteDigest(ctx context.Context, imageRef string) (string, error) {
	reference, err := name.ParseReference(imageRef)
	if err != nil {
		return "", fmt.Errorf("invalid image reference %q: %w", imageRef, err)
	}

	username, password, err := reg.credentials(ctx)
	if err != nil {
		return "", err
	}

	descriptor, err := remote.Head(reference,
		remote.WithContext(ctx),
		remote.WithAuth(&authn.Basic{Username: username, Password: password}),
	)
	if err != nil {
		return "", fmt.Errorf("failed to read remote digest for %q: %w", imageRef, err)
	}

	parsed, err := digest.Parse(descriptor.Digest.String())
	if err != nil {
		return "", fmt.Errorf("registry returned malformed digest for %q: %w", imageRef, err)
	}
	return parsed.String(), nil
}

// RepositoryExists describes the repository by name. a RepositoryNotFound
// response is the expected "no" answer, not an error.
func (reg *ECRRegistry) RepositoryExists(ctx context.Context, repository string) (bool, error) {
	_, err := reg.api.DescribeRepositories(ctx, &ecr.DescribeRepositoriesInput{
		RepositoryNames: []string{repository},
	})
	if err != nil {
		var notFound *ecrtypes.RepositoryNotFoundException
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to describe repository %q: %w", repository, err)
	}
	return true, nil
}
