package utils

import (
	"errors"
	"fmt"
	"os"
)

const (
	// AwsAccessKey corresponds to AWS credential AWS_ACCESS_KEY_ID
	AwsAccessKey = "AWS_ACCESS_KEY_ID"
	// AwsSecretAccessKey corresponds to AWS credential AWS_SECRET_ACCESS_KEY
	AwsSecretAccessKey = "AWS_SECRET_ACCESS_KEY"
	// AwsTokenKey corresponds to AWS credential AWS_SECRET_TOKEN_KEY
	AwsTokenKey = "AWS_SECRET_TOKEN_KEY"
	// AwsRegionKey defines the AWS region
	AwsRegionKey = "AWS_REGION"
	// AwsEndpointKey overrides the service endpoint, e.g. for localstack
	AwsEndpointKey = "AWS_ENDPOINT_URL"
)

var (
	// ErrAWSRegionNotProvided is returned when region is not provided.
	ErrAWSRegionNotProvided = errors.New("AWS Region not provided. Cannot perform secret operations.")
	// ErrAWSCredsNotProvided is returned when aws credentials are not provided
	ErrAWSCredsNotProvided = errors.New("aws credentials not provided")
)

// AuthKeys returns the static access key, secret key and session token from
// params. Missing keys are returned empty.
func AuthKeys(params map[string]interface{}) (string, string, string, error) {
	accessKey, err := getAuthKey(AwsAccessKey, params)
	if err != nil {
		return "", "", "", err
	}

	secretKey, err := getAuthKey(AwsSecretAccessKey, params)
	if err != nil {
		return "", "", "", err
	}

	secretToken, err := getAuthKey(AwsTokenKey, params)
	if err != nil {
		return "", "", "", err
	}

	return accessKey, secretKey, secretToken, nil
}

func getAuthKey(key string, params map[string]interface{}) (string, error) {
	val, ok := params[key]
	valueStr := ""
	if ok {
		valueStr, ok = val.(string)
		if !ok {
			return "", fmt.Errorf("Authentication error. Invalid value for %v", key)
		}
	}
	return valueStr, nil
}

// Param returns the string value of key from params, falling back to the
// environment.
func Param(params map[string]interface{}, key string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return os.Getenv(key)
}
