package secrets

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// defaultVersionStage is the AWS Secrets Manager staging label used when a
// reference names no version.
const defaultVersionStage = "AWSCURRENT"

// SecretsManagerAPI is the slice of the AWS Secrets Manager client used by
// the provider.
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// AWSProvider resolves references against AWS Secrets Manager. Raw secret
// strings are cached for five minutes keyed by (secret id, version stage).
type AWSProvider struct {
	client SecretsManagerAPI
	cache  *ttlCache
}

// NewAWSProvider builds a provider from the ambient AWS configuration
// (environment, shared config, instance role).
func NewAWSProvider(ctx context.Context) (*AWSProvider, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}
	return NewAWSProviderWithClient(secretsmanager.NewFromConfig(cfg)), nil
}

// NewAWSProviderWithClient builds a provider around an existing client.
func NewAWSProviderWithClient(client SecretsManagerAPI) *AWSProvider {
	return &AWSProvider{
		client: client,
		cache:  newTTLCache(defaultCacheTTL),
	}
}

// Name implements Provider.
func (p *AWSProvider) Name() string { return "aws-secrets-manager" }

// Resolve fetches the named secret. With Options.Field set, the secret
// string is parsed as a JSON object and the single field is extracted.
func (p *AWSProvider) Resolve(ctx context.Context, ref string, opts Options) (string, error) {
	stage := opts.Version
	if stage == "" {
		stage = defaultVersionStage
	}

	raw, err := p.fetch(ctx, ref, stage)
	if err != nil {
		return "", err
	}
	if opts.Field == "" {
		return raw, nil
	}
	return extractField(raw, opts.Field)
}

func (p *AWSProvider) fetch(ctx context.Context, ref, stage string) (string, error) {
	cacheKey := ref + "\x00" + stage
	if value, ok := p.cache.get(cacheKey); ok {
		return value, nil
	}

	out, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId:     aws.String(ref),
		VersionStage: aws.String(stage),
	})
	if err != nil {
		return "", fmt.Errorf("failed to fetch secret %q: %w", ref, err)
	}
	if out.SecretString == nil {
		return "", fmt.Errorf("secret %q has no string value", ref)
	}

	p.cache.set(cacheKey, *out.SecretString)
	return *out.SecretString, nil
}

// extractField parses raw as a JSON object and returns the named field.
// Non-string field values are re-encoded as JSON.
func extractField(raw, field string) (string, error) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return "", fmt.Errorf("secret value is not a JSON object: %w", err)
	}
	value, ok := obj[field]
	if !ok {
		return "", fmt.Errorf("secret has no field %q", field)
	}
	if s, ok := value.(string); ok {
		return s, nil
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("failed to encode field %q: %w", field, err)
	}
	return string(encoded), nil
}
