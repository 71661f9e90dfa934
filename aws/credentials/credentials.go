package credentials

import (
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/credentials/ec2rolecreds"
	"github.com/aws/aws-sdk-go/aws/ec2metadata"
	"github.com/aws/aws-sdk-go/aws/session"
)

type AWSCredentials interface {
	Get() (*credentials.Credentials, error)
}

type awsCred struct {
	creds *credentials.Credentials
}

// These variables are helpful in testing to stub method call from packages
var (
	ec2Available = func() bool {
		sess, err := session.NewSession(&aws.Config{
			HTTPClient: &http.Client{Timeout: 2 * time.Second},
			MaxRetries: aws.Int(0),
		})
		if err != nil {
			return false
		}
		return ec2metadata.New(sess).Available()
	}
)

// NewAWSCredentials returns static credentials when id and secret are set,
// otherwise a chain of the environment, the shared credentials file and,
// on EC2, the instance role.
func NewAWSCredentials(id, secret, token string) (AWSCredentials, error) {
	var creds *credentials.Credentials
	if id != "" && secret != "" {
		creds = credentials.NewStaticCredentials(id, secret, token)
	} else {
		providers := []credentials.Provider{
			&credentials.EnvProvider{},
			&credentials.SharedCredentialsProvider{},
		}
		if ec2Available() {
			sess, err := session.NewSession()
			if err != nil {
				return nil, err
			}
			providers = append(providers, &ec2rolecreds.EC2RoleProvider{
				Client: ec2metadata.New(sess),
			})
		}
		creds = credentials.NewChainCredentials(providers)
	}
	if _, err := creds.Get(); err != nil {
		return nil, err
	}
	return &awsCred{creds}, nil
}

func (a *awsCred) Get() (*credentials.Credentials, error) {
	if a.creds.IsExpired() {
		// Refresh the credentials
		_, err := a.creds.Get()
		if err != nil {
			return nil, err
		}
	}
	return a.creds, nil
}
