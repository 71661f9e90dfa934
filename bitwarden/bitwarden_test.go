package bitwarden

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/toruvault/secrets"
	"github.com/toruvault/secrets/test"
)

type fakeClient struct {
	apiURL, identityURL string
	token, stateFile    string
	loginErr            error
	syncErr             error
	secrets             []secret
	projects            []secrets.Project
	syncs               int
	closed              bool
}

func (f *fakeClient) Login(accessToken, stateFile string) error {
	f.token, f.stateFile = accessToken, stateFile
	return f.loginErr
}

func (f *fakeClient) Sync(organizationID string) error {
	f.syncs++
	return f.syncErr
}

func (f *fakeClient) ListSecretIDs(organizationID string) ([]string, error) {
	if organizationID != "org-1" {
		return nil, errors.New("unknown organization")
	}
	ids := make([]string, 0, len(f.secrets))
	for _, s := range f.secrets {
		ids = append(ids, s.ID)
	}
	return ids, nil
}

func (f *fakeClient) GetSecrets(ids []string) ([]secret, error) {
	out := make([]secret, 0, len(ids))
	for _, id := range ids {
		for _, s := range f.secrets {
			if s.ID == id {
				out = append(out, s)
			}
		}
	}
	return out, nil
}

func (f *fakeClient) ListProjects(organizationID string) ([]secrets.Project, error) {
	return append([]secrets.Project(nil), f.projects...), nil
}

func (f *fakeClient) Close() {
	f.closed = true
}

func newTestSource(t *testing.T, f *fakeClient) (secrets.Source, string) {
	orig := newClient
	newClient = func(apiURL, identityURL string) (client, error) {
		f.apiURL, f.identityURL = apiURL, identityURL
		return f, nil
	}
	t.Cleanup(func() { newClient = orig })

	stateFile := filepath.Join(t.TempDir(), "bws", "state")
	s, err := New(map[string]interface{}{
		AccessToken:    "0.token",
		StateFile:      stateFile,
		OrganizationID: "org-1",
	})
	require.NoError(t, err)
	return s, stateFile
}

func TestNewMissingParams(t *testing.T) {
	for _, env := range []string{AccessToken, StateFile, OrganizationID} {
		t.Setenv(env, "")
	}

	_, err := New(map[string]interface{}{})
	assert.Equal(t, ErrAccessTokenNotSet, err)

	_, err = New(map[string]interface{}{AccessToken: "t"})
	assert.Equal(t, ErrStateFileNotSet, err)

	_, err = New(map[string]interface{}{AccessToken: "t", StateFile: "/tmp/x"})
	assert.Equal(t, ErrOrganizationIDNotSet, err)
}

func TestNewLogin(t *testing.T) {
	t.Setenv(APIURL, "")
	t.Setenv(IdentityURL, "https://identity.example")

	f := &fakeClient{}
	_, stateFile := newTestSource(t, f)
	assert.Equal(t, DefaultAPIURL, f.apiURL)
	assert.Equal(t, "https://identity.example", f.identityURL)
	assert.Equal(t, "0.token", f.token)
	assert.Equal(t, stateFile, f.stateFile)

	fi, err := os.Stat(stateFile)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), fi.Mode().Perm())
}

func TestNewLoginFailure(t *testing.T) {
	orig := newClient
	defer func() { newClient = orig }()
	f := &fakeClient{loginErr: errors.New("invalid token")}
	newClient = func(string, string) (client, error) { return f, nil }

	_, err := New(map[string]interface{}{
		AccessToken:    "bad",
		StateFile:      filepath.Join(t.TempDir(), "state"),
		OrganizationID: "org-1",
	})
	assert.ErrorIs(t, err, secrets.ErrNotAuthenticated)
	assert.True(t, f.closed)
}

func TestStateFilePermissions(t *testing.T) {
	hook := logtest.NewGlobal()
	defer hook.Reset()

	path := filepath.Join(t.TempDir(), "state")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0644))
	require.NoError(t, os.Chmod(path, 0644))
	require.NoError(t, ensureStateFile(path))
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)

	hook.Reset()
	require.NoError(t, os.Chmod(path, 0600))
	require.NoError(t, ensureStateFile(path))
	assert.Nil(t, hook.LastEntry())
}

func TestFetch(t *testing.T) {
	f := &fakeClient{secrets: []secret{
		{ID: "1", Key: "DB_PASSWORD", Value: "hunter2", ProjectID: "p-billing"},
		{ID: "2", Key: "API_TOKEN", Value: "tok", ProjectID: "p-search"},
		{ID: "3", Key: "SHARED", Value: "common"},
	}}
	s, _ := newTestSource(t, f)

	test.RunForSource(s, []test.SourceCase{
		{
			Expected: map[string]string{
				"DB_PASSWORD": "hunter2",
				"API_TOKEN":   "tok",
				"SHARED":      "common",
			},
		},
		{
			Filter: secrets.Filter{ProjectID: "p-billing"},
			Expected: map[string]string{
				"DB_PASSWORD": "hunter2",
				"SHARED":      "common",
			},
		},
	}, t)
	test.RunCanceled(s, t)
	assert.Equal(t, 4, f.syncs)
}

func TestFetchEmpty(t *testing.T) {
	s, _ := newTestSource(t, &fakeClient{})
	got, err := s.Fetch(context.Background(), secrets.Filter{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFetchSyncFailure(t *testing.T) {
	f := &fakeClient{syncErr: errors.New("503")}
	s, _ := newTestSource(t, f)
	_, err := s.Fetch(context.Background(), secrets.Filter{})
	assert.EqualError(t, err, "sync failed: 503")
}

func TestListProjects(t *testing.T) {
	created := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	f := &fakeClient{projects: []secrets.Project{
		{ID: "p-search", Name: "search", CreatedAt: created},
		{ID: "p-billing", Name: "billing", CreatedAt: created},
	}}
	s, _ := newTestSource(t, f)
	projects, err := s.(secrets.ProjectLister).ListProjects(context.Background())
	require.NoError(t, err)
	require.Len(t, projects, 2)
	assert.Equal(t, "billing", projects[0].Name)
	assert.Equal(t, "search", projects[1].Name)
	assert.Equal(t, created, projects[0].CreatedAt)

	require.NoError(t, s.(interface{ Close() error }).Close())
	assert.True(t, f.closed)
}
