package main

import (
	"os"
	"path/filepath"
	"testing"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/llm-billing-proxy/config"
	"github.com/vnmchuo/llm-billing-proxy/internal/proxy"
)

func TestReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	router := proxy.NewRouter(map[string]config.Backend{"old": {URL: "http://gpu0:8000"}})
	log, hook := logtest.NewNullLogger()

	require.NoError(t, os.WriteFile(path, []byte(`
[db]
uri = "sqlite://:memory:"

[backends.mymodel]
url = "http://gpu1:8000"
device = "cpu"
`), 0o600))

	reload(path, router, log)
	assert.Equal(t, []string{"mymodel"}, router.Names())
	b, err := router.Resolve("mymodel")
	require.NoError(t, err)
	assert.True(t, b.VerifySSL)

	require.NoError(t, os.WriteFile(path, []byte(`[backends.broken]`+"\n"+`device = "cpu"`), 0o600))
	reload(path, router, log)
	assert.Equal(t, []string{"mymodel"}, router.Names(), "a bad file keeps the current table")
	assert.Equal(t, "failed reloading config", hook.LastEntry().Message)
}
