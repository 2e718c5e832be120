package blobstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// HMACKeys are the S3-compatible access keys of a data repository.
type HMACKeys struct {
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
}

// Credentials is the decrypted credential document of a data repository.
type Credentials struct {
	APIKey             string   `json:"apikey,omitempty"`
	ResourceInstanceID string   `json:"resource_instance_id,omitempty"`
	EndpointURL        string   `json:"endpoint_url"`
	BucketName         string   `json:"bucket_name"`
	BucketRegion       string   `json:"bucket_region,omitempty"`
	IAMEndpoint        string   `json:"iam_endpoint,omitempty"`
	HMACKeys           HMACKeys `json:"cos_hmac_keys"`
}

func ParseCredentials(raw []byte) (Credentials, error) {
	var creds Credentials
	if err := json.Unmarshal(raw, &creds); err != nil {
		return Credentials{}, fmt.Errorf("decode credentials: %w", err)
	}
	if err := creds.Validate(); err != nil {
		return Credentials{}, err
	}
	return creds, nil
}

func (c Credentials) Validate() error {
	if strings.TrimSpace(c.EndpointURL) == "" {
		return errors.New("credentials endpoint_url is required")
	}
	if strings.TrimSpace(c.BucketName) == "" {
		return errors.New("credentials bucket_name is required")
	}
	if strings.TrimSpace(c.HMACKeys.AccessKeyID) == "" || strings.TrimSpace(c.HMACKeys.SecretAccessKey) == "" {
		return errors.New("credentials cos_hmac_keys are required")
	}
	return nil
}
