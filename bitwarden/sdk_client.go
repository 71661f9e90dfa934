package bitwarden

import (
	sdk "github.com/bitwarden/sdk-go"
	"github.com/toruvault/secrets"
)

type sdkClient struct {
	c sdk.BitwardenClientInterface
}

func newSDKClient(apiURL, identityURL string) (client, error) {
	c, err := sdk.NewBitwardenClient(&apiURL, &identityURL)
	if err != nil {
		return nil, err
	}
	return &sdkClient{c: c}, nil
}

func (s *sdkClient) Login(accessToken, stateFile string) error {
	return s.c.AccessTokenLogin(accessToken, &stateFile)
}

func (s *sdkClient) Sync(organizationID string) error {
	_, err := s.c.Secrets().Sync(organizationID, nil)
	return err
}

func (s *sdkClient) ListSecretIDs(organizationID string) ([]string, error) {
	resp, err := s.c.Secrets().List(organizationID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(resp.Data))
	for _, d := range resp.Data {
		ids = append(ids, d.ID)
	}
	return ids, nil
}

func (s *sdkClient) GetSecrets(ids []string) ([]secret, error) {
	resp, err := s.c.Secrets().GetByIDS(ids)
	if err != nil {
		return nil, err
	}
	out := make([]secret, 0, len(resp.Data))
	for _, d := range resp.Data {
		sec := secret{ID: d.ID, Key: d.Key, Value: d.Value}
		if d.ProjectID != nil {
			sec.ProjectID = *d.ProjectID
		}
		out = append(out, sec)
	}
	return out, nil
}

func (s *sdkClient) ListProjects(organizationID string) ([]secrets.Project, error) {
	resp, err := s.c.Projects().List(organizationID)
	if err != nil {
		return nil, err
	}
	return projectsFromResponse(resp), nil
}

func projectsFromResponse(resp *sdk.ProjectsResponse) []secrets.Project {
	out := make([]secrets.Project, 0, len(resp.Data))
	for _, p := range resp.Data {
		out = append(out, secrets.Project{ID: p.ID, Name: p.Name, CreatedAt: p.CreationDate})
	}
	return out
}

func (s *sdkClient) Close() {
	s.c.Close()
}
