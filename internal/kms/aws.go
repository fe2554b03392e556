/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package kms

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awskms "github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
)

// awsClient abstracts the AWS KMS operations for testability.
type awsClient interface {
	Encrypt(
		ctx context.Context, params *awskms.EncryptInput, optFns ...func(*awskms.Options),
	) (*awskms.EncryptOutput, error)
	Decrypt(
		ctx context.Context, params *awskms.DecryptInput, optFns ...func(*awskms.Options),
	) (*awskms.DecryptOutput, error)
}

// AWSCredentials carries optional static credentials for the AWS backend.
type AWSCredentials struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

type awsProvider struct {
	client awsClient
	keyID  string
}

func newAWSProvider(keyID string, creds AWSCredentials) (*awsProvider, error) {
	if keyID == "" {
		return nil, fmt.Errorf("aws-kms: key ID is required")
	}
	if creds.Region == "" {
		return nil, fmt.Errorf("aws-kms: region is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(creds.Region),
	}
	if creds.AccessKeyID != "" && creds.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(creds.AccessKeyID, creds.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("aws-kms: failed to load AWS config: %w", err)
	}

	return &awsProvider{client: awskms.NewFromConfig(awsCfg), keyID: keyID}, nil
}

// newAWSProviderWithClient creates a provider with an injected client for testing.
func newAWSProviderWithClient(client awsClient, keyID string) *awsProvider {
	return &awsProvider{client: client, keyID: keyID}
}

// encryptionContext converts a key context into the AWS form. AWS binds the
// whole map; ordering is handled by the service.
func encryptionContext(keyContext map[string]string) map[string]string {
	if len(keyContext) == 0 {
		return nil
	}
	return keyContext
}

func (p *awsProvider) WrapKey(ctx context.Context, plaintext []byte, keyContext map[string]string) ([]byte, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	resp, err := p.client.Encrypt(ctx, &awskms.EncryptInput{
		KeyId:             aws.String(p.keyID),
		Plaintext:         plaintext,
		EncryptionContext: encryptionContext(keyContext),
	})
	if err != nil {
		return nil, mapAWSError("Encrypt", err)
	}
	if len(resp.CiphertextBlob) == 0 {
		return nil, fmt.Errorf("%w: KMS Encrypt returned empty ciphertext", ErrCorrupt)
	}
	return resp.CiphertextBlob, nil
}

func (p *awsProvider) UnwrapKey(ctx context.Context, wrapped []byte, keyContext map[string]string) ([]byte, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	resp, err := p.client.Decrypt(ctx, &awskms.DecryptInput{
		KeyId:             aws.String(p.keyID),
		CiphertextBlob:    wrapped,
		EncryptionContext: encryptionContext(keyContext),
	})
	if err != nil {
		return nil, mapAWSError("Decrypt", err)
	}
	if len(resp.Plaintext) == 0 {
		return nil, fmt.Errorf("%w: KMS Decrypt returned empty plaintext", ErrCorrupt)
	}
	return resp.Plaintext, nil
}

func (p *awsProvider) EncryptBlob(ctx context.Context, plaintext []byte) ([]byte, error) {
	return p.WrapKey(ctx, plaintext, nil)
}

func (p *awsProvider) DecryptBlob(ctx context.Context, ciphertext []byte) ([]byte, error) {
	return p.UnwrapKey(ctx, ciphertext, nil)
}

func (p *awsProvider) Close() error {
	return nil
}

// mapAWSError translates SDK failures into the package error taxonomy.
func mapAWSError(op string, err error) error {
	var invalidCT *types.InvalidCiphertextException
	if errors.As(err, &invalidCT) {
		return fmt.Errorf("%w: KMS %s: %v", ErrCorrupt, op, err)
	}
	var denied *types.DisabledException
	if errors.As(err, &denied) {
		return fmt.Errorf("%w: KMS %s: %v", ErrAuth, op, err)
	}
	var notFound *types.NotFoundException
	if errors.As(err, &notFound) {
		return fmt.Errorf("%w: KMS %s: %v", ErrAuth, op, err)
	}
	return fmt.Errorf("%w: KMS %s: %v", ErrUnavailable, op, err)
}
