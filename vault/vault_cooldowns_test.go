package vault

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/toruvault/secrets"
	"github.com/toruvault/secrets/test"
)

var vaultREST = map[string]struct {
	code int
	body []byte
}{
	"login":      {http.StatusOK, []byte(`{"auth":{"accessor":"acc","client_token":"hvs.CAESIMUue6","lease_duration":300,"metadata":{"role":"app"},"policies":["default","app"],"renewable":true,"token_type":"service"},"data":null}`)},
	"mounts":     {http.StatusOK, []byte(`{"data":{"secret/":{"accessor":"kv_fbdfa522","description":"","local":false,"options":{"version":"2"},"seal_wrap":false,"type":"kv"},"kv1/":{"accessor":"kv_26744f08","description":"","local":false,"options":null,"seal_wrap":false,"type":"kv"},"sys/":{"accessor":"system_01c5a91b","description":"system endpoints","local":false,"options":null,"seal_wrap":true,"type":"system"}}}`)},
	"list-root":  {http.StatusOK, []byte(`{"data":{"keys":["api_key","db","team-a/"]}}`)},
	"list-proj":  {http.StatusOK, []byte(`{"data":{"keys":["smtp"]}}`)},
	"get-apikey": {http.StatusOK, []byte(`{"data":{"data":{"value":"k-123"},"metadata":{"version":3}}}`)},
	"get-db":     {http.StatusOK, []byte(`{"data":{"data":{"DB_USER":"app","DB_PORT":5432},"metadata":{"version":1}}}`)},
	"get-smtp":   {http.StatusOK, []byte(`{"data":{"data":{"value":"smtp-pass"},"metadata":{"version":1}}}`)},
	"v1-list":    {http.StatusOK, []byte(`{"data":{"keys":["token"]}}`)},
	"v1-get":     {http.StatusOK, []byte(`{"data":{"value":"v1-token"}}`)},
	"perm":       {http.StatusForbidden, []byte(`{"errors":["permission denied"]}`)},
	"missing":    {http.StatusNotFound, []byte(`{"errors":[]}`)},
}

// mockVault answers by route. deny makes every KV request fail until it is
// cleared.
type mockVault struct {
	*httptest.Server
	mu     sync.Mutex
	deny   bool
	calls  map[string]int
	logins int
}

func newMockVault(t *testing.T) *mockVault {
	m := &mockVault{calls: make(map[string]int)}
	m.Server = httptest.NewServer(http.HandlerFunc(func(resp http.ResponseWriter, req *http.Request) {
		reply := m.route(req)
		t.Log("mockVault: REQ[", req.Method, req.URL.Path, "] - RESP[", reply, "]")
		resp.WriteHeader(vaultREST[reply].code)
		resp.Write(vaultREST[reply].body)
	}))
	t.Cleanup(m.Close)
	return m
}

func (m *mockVault) route(req *http.Request) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := req.URL.Path
	m.calls[p]++
	isList := req.Method == "LIST" || req.URL.Query().Get("list") == "true"

	switch p {
	case "/v1/auth/kubernetes/login", "/v1/auth/approle/login":
		m.logins++
		return "login"
	case "/v1/sys/mounts":
		return "mounts"
	}
	if m.deny {
		return "perm"
	}
	switch {
	case p == "/v1/secret/metadata" && isList:
		return "list-root"
	case p == "/v1/secret/metadata/team-a" && isList:
		return "list-proj"
	case p == "/v1/secret/data/api_key":
		return "get-apikey"
	case p == "/v1/secret/data/db":
		return "get-db"
	case p == "/v1/secret/data/team-a/smtp":
		return "get-smtp"
	case p == "/v1/kv1" && isList:
		return "v1-list"
	case p == "/v1/kv1/token":
		return "v1-get"
	}
	return "missing"
}

func (m *mockVault) setDeny(deny bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deny = deny
}

func (m *mockVault) kvCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for p, c := range m.calls {
		if p != "/v1/sys/mounts" && p != "/v1/auth/kubernetes/login" {
			n += c
		}
	}
	return n
}

func k8sConfig(t *testing.T, url string) map[string]interface{} {
	tokFile := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(tokFile, []byte("jwt"), 0600))
	return map[string]interface{}{
		"VAULT_ADDR":                       url,
		"VAULT_AUTH_METHOD":                "kubernetes",
		"VAULT_AUTH_KUBERNETES_ROLE":       "app",
		"VAULT_AUTH_KUBERNETES_TOKEN_PATH": tokFile,
	}
}

func TestVaultK8sHappyPath(t *testing.T) {
	mv := newMockVault(t)
	v, err := New(k8sConfig(t, mv.URL))
	require.NoError(t, err)
	require.Equal(t, 1, mv.logins)

	test.RunForSource(v, []test.SourceCase{
		{
			Expected: map[string]string{"api_key": "k-123", "DB_USER": "app", "DB_PORT": "5432"},
		},
		{
			Filter:   secrets.Filter{ProjectID: "team-a"},
			Expected: map[string]string{"smtp": "smtp-pass"},
		},
		{
			Filter:   secrets.Filter{ProjectID: "no-such-project"},
			Expected: map[string]string{},
		},
	}, t)

	projects, err := v.(secrets.ProjectLister).ListProjects(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []secrets.Project{{ID: "team-a", Name: "team-a"}}, projects)
}

func TestVaultKVv1(t *testing.T) {
	mv := newMockVault(t)
	v, err := New(map[string]interface{}{
		"VAULT_ADDR":         mv.URL,
		"VAULT_TOKEN":        "s.static",
		"VAULT_BACKEND_PATH": "kv1",
	})
	require.NoError(t, err)
	assert.False(t, v.(*vaultSource).kvV2)

	test.RunForSource(v, []test.SourceCase{
		{Expected: map[string]string{"token": "v1-token"}},
	}, t)
}

func TestVaultNew(t *testing.T) {
	mv := newMockVault(t)
	t.Setenv("VAULT_ADDR", "")
	t.Setenv("VAULT_TOKEN", "")

	_, err := New(map[string]interface{}{"VAULT_TOKEN": "s.x"})
	assert.Error(t, err)

	_, err = New(map[string]interface{}{"VAULT_ADDR": "vault:8200", "VAULT_TOKEN": "s.x"})
	assert.Error(t, err)

	_, err = New(map[string]interface{}{"VAULT_ADDR": mv.URL})
	assert.Error(t, err)

	_, err = New(map[string]interface{}{
		"VAULT_ADDR": mv.URL, "VAULT_TOKEN": "s.x", "VAULT_KV_VERSION": "3",
	})
	assert.ErrorIs(t, err, ErrInvalidKVVersion)

	_, err = New(map[string]interface{}{
		"VAULT_ADDR": mv.URL, "VAULT_TOKEN": "s.x", "VAULT_BACKEND_PATH": "nope/",
	})
	assert.Error(t, err)

	_, err = New(map[string]interface{}{
		"VAULT_ADDR": mv.URL, "VAULT_TOKEN": "s.x", "VAULT_COOLDOWN_PERIOD": "soon",
	})
	assert.ErrorIs(t, err, ErrInvalidCooldown)

	v, err := New(map[string]interface{}{
		"VAULT_ADDR": mv.URL, "VAULT_TOKEN": "s.x", "VAULT_COOLDOWN_PERIOD": "987",
	})
	require.NoError(t, err)
	assert.Equal(t, 987*time.Second, v.(*vaultSource).cooldownPeriod)
	assert.Equal(t, Name, v.String())
}

func TestVaultCooldown(t *testing.T) {
	mv := newMockVault(t)
	cfg := k8sConfig(t, mv.URL)
	v, err := New(cfg)
	require.NoError(t, err)
	vs := v.(*vaultSource)

	now := time.Date(2024, 4, 12, 7, 40, 0, 0, time.UTC)
	vs.now = func() time.Time { return now }
	vs.cooldownPeriod = time.Minute

	mv.setDeny(true)
	_, err = v.Fetch(context.Background(), secrets.Filter{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission denied")
	// one denied list, one re-login, one denied retry
	assert.Equal(t, 2, mv.kvCalls())
	assert.Equal(t, 2, mv.logins)

	for i := 0; i < 10; i++ {
		_, err = v.Fetch(context.Background(), secrets.Filter{})
		require.ErrorIs(t, err, ErrInCooldown)
	}
	assert.Equal(t, 2, mv.kvCalls())

	mv.setDeny(false)
	now = now.Add(time.Minute + time.Second)
	got, err := v.Fetch(context.Background(), secrets.Filter{ProjectID: "team-a"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"smtp": "smtp-pass"}, got)
}

func TestVaultDisabledCooldown(t *testing.T) {
	mv := newMockVault(t)
	cfg := k8sConfig(t, mv.URL)
	cfg["VAULT_COOLDOWN_PERIOD"] = "0"
	v, err := New(cfg)
	require.NoError(t, err)

	mv.setDeny(true)
	for i := 0; i < 3; i++ {
		_, err = v.Fetch(context.Background(), secrets.Filter{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "permission denied")
	}
	assert.Equal(t, 6, mv.kvCalls())
}

func TestFlatten(t *testing.T) {
	out := map[string]string{}
	require.NoError(t, flatten(out, "single", map[string]interface{}{"value": "v"}))
	require.NoError(t, flatten(out, "multi", map[string]interface{}{"A": "1", "value": "2"}))
	assert.Equal(t, map[string]string{"single": "v", "A": "1", "value": "2"}, out)

	err := flatten(out, "dup", map[string]interface{}{"A": "again"})
	require.ErrorIs(t, err, ErrDuplicateName)

	err = flatten(map[string]string{}, "nested", map[string]interface{}{"obj": map[string]interface{}{}})
	require.ErrorIs(t, err, secrets.ErrInvalidSecretData)
}
