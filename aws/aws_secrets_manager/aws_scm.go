package aws_secrets_manager

import (
	"context"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/secretsmanager"
	"github.com/aws/aws-sdk-go/service/secretsmanager/secretsmanageriface"
	"github.com/sirupsen/logrus"
	"github.com/toruvault/secrets"
	sc "github.com/toruvault/secrets/aws/credentials"
	"github.com/toruvault/secrets/aws/utils"
)

const (
	// Name of the secret store
	Name = secrets.TypeAWSSecretsManager
	// ProjectTagKey names the tag whose value is the project of a secret.
	ProjectTagKey = "AWS_SECRETS_PROJECT_TAG"

	defaultProjectTag = "project"
)

// AWSSecretsMgr fetches secrets from AWS Secrets Manager.
type AWSSecretsMgr struct {
	scm        secretsmanageriface.SecretsManagerAPI
	projectTag string
}

// New creates new instance of AWSSecretsMgr with provided configuration.
func New(
	secretConfig map[string]interface{},
) (secrets.Source, error) {
	if secretConfig == nil {
		return nil, utils.ErrAWSCredsNotProvided
	}

	region := utils.Param(secretConfig, utils.AwsRegionKey)
	if region == "" {
		return nil, utils.ErrAWSRegionNotProvided
	}

	id, secret, token, err := utils.AuthKeys(secretConfig)
	if err != nil {
		return nil, err
	}
	asc, err := sc.NewAWSCredentials(id, secret, token)
	if err != nil {
		return nil, fmt.Errorf("failed to create aws credentials instance: %v", err)
	}
	creds, err := asc.Get()
	if err != nil {
		return nil, fmt.Errorf("failed to get credentials: %v", err)
	}

	config := &aws.Config{
		Credentials: creds,
		Region:      aws.String(region),
	}
	if endpoint := utils.Param(secretConfig, utils.AwsEndpointKey); endpoint != "" {
		config.Endpoint = aws.String(endpoint)
	}
	sess, err := session.NewSession(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create aws session: %v", err)
	}
	return NewFromClient(secretsmanager.New(sess), utils.Param(secretConfig, ProjectTagKey)), nil
}

// NewFromClient wraps an existing Secrets Manager client. projectTag
// defaults to "project".
func NewFromClient(client secretsmanageriface.SecretsManagerAPI, projectTag string) *AWSSecretsMgr {
	if projectTag == "" {
		projectTag = defaultProjectTag
	}
	return &AWSSecretsMgr{scm: client, projectTag: projectTag}
}

func (a *AWSSecretsMgr) String() string {
	return Name
}

// Fetch returns the current value of every secret, or of those tagged with
// the project when one is given. Secret names are used as-is.
func (a *AWSSecretsMgr) Fetch(ctx context.Context, filter secrets.Filter) (map[string]string, error) {
	entries, err := a.list(ctx, filter.ProjectID)
	if err != nil {
		return nil, err
	}

	out := make(map[string]string, len(entries))
	for _, entry := range entries {
		result, err := a.scm.GetSecretValueWithContext(ctx, &secretsmanager.GetSecretValueInput{
			SecretId: entry.ARN,
		})
		if err != nil {
			return nil, convertAWSErr(err)
		}
		name := aws.StringValue(entry.Name)
		switch {
		case result.SecretString != nil:
			out[name] = aws.StringValue(result.SecretString)
		case result.SecretBinary != nil:
			out[name] = string(result.SecretBinary)
		default:
			return nil, fmt.Errorf("%s: %w", name, secrets.ErrInvalidSecretData)
		}
	}
	logrus.WithFields(logrus.Fields{
		"source":  Name,
		"project": filter.ProjectID,
		"count":   len(out),
	}).Debug("Fetched secrets from AWS Secrets Manager")
	return out, nil
}

// ListProjects returns the distinct values of the project tag.
func (a *AWSSecretsMgr) ListProjects(ctx context.Context) ([]secrets.Project, error) {
	entries, err := a.list(ctx, "")
	if err != nil {
		return nil, err
	}
	seen := make(map[string]secrets.Project)
	for _, entry := range entries {
		value, ok := a.tagValue(entry)
		if !ok {
			continue
		}
		p, exists := seen[value]
		created := aws.TimeValue(entry.CreatedDate)
		if !exists || (!created.IsZero() && created.Before(p.CreatedAt)) {
			seen[value] = secrets.Project{ID: value, Name: value, CreatedAt: created}
		}
	}
	projects := make([]secrets.Project, 0, len(seen))
	for _, p := range seen {
		projects = append(projects, p)
	}
	sort.Slice(projects, func(i, j int) bool { return projects[i].ID < projects[j].ID })
	return projects, nil
}

func (a *AWSSecretsMgr) list(ctx context.Context, project string) ([]*secretsmanager.SecretListEntry, error) {
	input := &secretsmanager.ListSecretsInput{}
	if project != "" {
		input.Filters = []*secretsmanager.Filter{
			{Key: aws.String(secretsmanager.FilterNameStringTypeTagKey), Values: aws.StringSlice([]string{a.projectTag})},
			{Key: aws.String(secretsmanager.FilterNameStringTypeTagValue), Values: aws.StringSlice([]string{project})},
		}
	}

	var entries []*secretsmanager.SecretListEntry
	err := a.scm.ListSecretsPagesWithContext(ctx, input,
		func(page *secretsmanager.ListSecretsOutput, lastPage bool) bool {
			for _, entry := range page.SecretList {
				// The service filters match tag keys and values
				// independently, so check the pair here.
				if project != "" {
					if v, ok := a.tagValue(entry); !ok || v != project {
						continue
					}
				}
				entries = append(entries, entry)
			}
			return true
		})
	if err != nil {
		return nil, convertAWSErr(err)
	}
	return entries, nil
}

func (a *AWSSecretsMgr) tagValue(entry *secretsmanager.SecretListEntry) (string, bool) {
	for _, tag := range entry.Tags {
		if aws.StringValue(tag.Key) == a.projectTag {
			return aws.StringValue(tag.Value), true
		}
	}
	return "", false
}

func convertAWSErr(err error) error {
	if awsErr, ok := err.(awserr.Error); ok {
		return fmt.Errorf("AWS error: %s - %s: %w", awsErr.Code(), awsErr.Message(), err)
	}
	return err
}

func init() {
	if err := secrets.Register(Name, New); err != nil {
		panic(err.Error())
	}
}
