// Package config loads the server's environment and tunables.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/joho/godotenv"
)

// SecretFetcher returns the raw payload of a named secret.
type SecretFetcher func(ctx context.Context, secretID, versionStage string) (string, error)

// LoadEnv merges a Secrets Manager secret into the environment when one is
// named, then loads the .env file. Variables already set win over both.
func LoadEnv(defaultEnvPath string) {
	secretID := os.Getenv("AWS_SECRETS_MANAGER_SECRET_ID")
	if secretID != "" {
		overwrite := strings.EqualFold(os.Getenv("AWS_SECRETS_MANAGER_OVERWRITE"), "true")
		n, err := applySecret(context.Background(), fetchAWSSecret, secretID, overwrite)
		if err != nil {
			fmt.Printf("Skipping AWS Secrets Manager load: %v\n", err)
		} else {
			fmt.Printf("Loaded %d env vars from secret %s\n", n, secretID)
		}
	}
	loadDotEnv(defaultEnvPath)
}

func loadDotEnv(defaultEnvPath string) {
	envFile := os.Getenv("ENV_FILE_PATH")
	if envFile == "" {
		envFile = defaultEnvPath
	}
	if err := godotenv.Load(envFile); err != nil {
		if os.Getenv("KUBERNETES_SERVICE_HOST") == "" {
			fmt.Printf("Note: .env file not found at %s. Using system environment variables.\n", envFile)
		}
	}
}

// applySecret sets every key of the JSON object stored in the secret and
// returns how many were applied.
func applySecret(ctx context.Context, fetch SecretFetcher, secretID string, overwrite bool) (int, error) {
	versionStage := os.Getenv("AWS_SECRETS_MANAGER_VERSION_STAGE")
	if versionStage == "" {
		versionStage = "AWSCURRENT"
	}

	payload, err := fetch(ctx, secretID, versionStage)
	if err != nil {
		return 0, fmt.Errorf("fetching secret %s: %w", secretID, err)
	}

	var kv map[string]any
	if err := json.Unmarshal([]byte(payload), &kv); err != nil {
		return 0, fmt.Errorf("parsing secret %s as JSON: %w", secretID, err)
	}

	applied := 0
	for key, val := range kv {
		if !overwrite && os.Getenv(key) != "" {
			continue
		}
		if err := os.Setenv(key, fmt.Sprint(val)); err != nil {
			return applied, fmt.Errorf("setting env %s from secret: %w", key, err)
		}
		applied++
	}
	return applied, nil
}

func fetchAWSSecret(ctx context.Context, secretID, versionStage string) (string, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region := os.Getenv("AWS_SECRETS_MANAGER_REGION"); region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return "", err
	}

	output, err := secretsmanager.NewFromConfig(cfg).GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId:     aws.String(secretID),
		VersionStage: aws.String(versionStage),
	})
	if err != nil {
		return "", err
	}
	switch {
	case output.SecretString != nil:
		return *output.SecretString, nil
	case len(output.SecretBinary) > 0:
		return string(output.SecretBinary), nil
	default:
		return "", fmt.Errorf("secret %s has no payload", secretID)
	}
}
