package pii

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
)

// KMSDecrypter is the subset of the KMS client used to unwrap the master key.
type KMSDecrypter interface {
	Decrypt(ctx context.Context, in *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// NewKMSClient builds a KMS client from the default AWS credential chain.
func NewKMSClient(ctx context.Context, region string) (*kms.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("pii: load aws config: %w", err)
	}
	return kms.NewFromConfig(cfg), nil
}

// UnwrapMasterKey decrypts a base64 KMS ciphertext blob into the master key.
// keyID pins the KMS key when set.
func UnwrapMasterKey(ctx context.Context, client KMSDecrypter, blob, keyID string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(blob))
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext is not base64: %v", ErrInvalidMasterKey, err)
	}
	in := &kms.DecryptInput{
		CiphertextBlob:    raw,
		EncryptionContext: map[string]string{"service": "lendpath", "purpose": "pii-master-key"},
	}
	if keyID = strings.TrimSpace(keyID); keyID != "" {
		in.KeyId = aws.String(keyID)
	}
	out, err := client.Decrypt(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("pii: kms decrypt: %w", err)
	}
	if len(out.Plaintext) < minMaster {
		return nil, fmt.Errorf("%w: kms key is %d bytes", ErrInvalidMasterKey, len(out.Plaintext))
	}
	return out.Plaintext, nil
}

// Source describes where the master key comes from.
type Source struct {
	Plain    string
	KMSBlob  string
	KMSKeyID string
}

// LoadMasterKey resolves the master key from a KMS blob when present,
// otherwise from the plain configured value. The second result names the
// source for logging.
func LoadMasterKey(ctx context.Context, src Source, client KMSDecrypter) ([]byte, string, error) {
	if strings.TrimSpace(src.KMSBlob) != "" {
		if client == nil {
			return nil, "", fmt.Errorf("%w: kms ciphertext configured without a client", ErrInvalidMasterKey)
		}
		key, err := UnwrapMasterKey(ctx, client, src.KMSBlob, src.KMSKeyID)
		if err != nil {
			return nil, "", err
		}
		return key, "kms", nil
	}
	key, err := ParseMasterKey(src.Plain)
	if err != nil {
		return nil, "", err
	}
	return key, "env", nil
}

var _ KMSDecrypter = (*kms.Client)(nil)
