package runsup_test

import (
	"os"
	"testing"

	"github.com/idforge/idforge/internal/model"
	"github.com/idforge/idforge/internal/runsup"

	"github.com/stretchr/testify/require"
)

func TestEnsureWorkerScript(t *testing.T) {
	t.Parallel()
	dataDir := t.TempDir()

	path, err := runsup.EnsureWorkerScript(dataDir)
	require.NoError(t, err)
	require.Equal(t, runsup.ScriptPath(dataDir), path)

	embedded, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(embedded), "identity disclosed:")

	// an existing script is never overwritten
	custom := []byte("#!/usr/bin/env python3\nprint('custom')\n")
	require.NoError(t, os.WriteFile(path, custom, 0600))
	path2, err := runsup.EnsureWorkerScript(dataDir)
	require.NoError(t, err)
	require.Equal(t, path, path2)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, custom, after)
}

func TestDetectInterpreterExplicit(t *testing.T) {
	t.Parallel()

	_, err := runsup.DetectInterpreter("/does/not/exist")
	require.Error(t, err)
}

func TestBuildWorkerArgs(t *testing.T) {
	t.Parallel()

	cfg := model.DefaultConfig()
	cfg.Execution.Count = 3
	cfg.Execution.Interval = 7

	t.Run("chrome without proxy", func(t *testing.T) {
		args := runsup.BuildWorkerArgs(cfg)
		require.Equal(t, []string{
			"--browser-type", "chrome",
			"--loop", "3",
			"--interval", "7",
		}, args)
	})

	t.Run("chrome with proxy", func(t *testing.T) {
		proxied := cfg
		proxied.Proxy.Enabled = true
		proxied.Proxy.Type = model.ProxyTypeSocks5
		proxied.Proxy.Host = "127.0.0.1"
		proxied.Proxy.Port = 1080
		user := "u"
		proxied.Proxy.Username = &user

		args := runsup.BuildWorkerArgs(proxied)
		require.Contains(t, args, "--proxy-enabled")
		require.Contains(t, args, "socks5")
		require.Contains(t, args, "--proxy-user")
		require.NotContains(t, args, "--proxy-pass")
	})

	t.Run("roxy", func(t *testing.T) {
		roxy := cfg
		roxy.Browser.Type = model.BrowserTypeRoxy
		port := 7788
		token := "tok"
		roxy.Browser.RoxyPort = &port
		roxy.Browser.RoxyToken = &token

		args := runsup.BuildWorkerArgs(roxy)
		require.Contains(t, args, "--roxy-port")
		require.Contains(t, args, "7788")
		require.Contains(t, args, "--roxy-token")
		require.NotContains(t, args, "--proxy-enabled")
	})
}

func TestBuildWorkerEnv(t *testing.T) {
	t.Parallel()

	cfg := model.DefaultConfig()
	cfg.Mail.IMAPServer = "imap.example.com"
	cfg.Mail.Address = "inbox@example.com"
	cfg.Mail.Password = "hunter2"
	cfg.Register.IdentityPrefix = "acct"
	cfg.Register.IdentityDomain = "@example.com"

	env := runsup.BuildWorkerEnv(cfg)
	require.Contains(t, env, "MAIL_IMAP_SERVER=imap.example.com")
	require.Contains(t, env, "MAIL_ADDRESS=inbox@example.com")
	require.Contains(t, env, "MAIL_PASSWORD=hunter2")
	require.Contains(t, env, "MAIL_PREFIX=acct")
	require.Contains(t, env, "MAIL_DOMAIN=@example.com")
	require.Contains(t, env, "MAIL_TIMEOUT=180")
	require.Contains(t, env, "MAIL_POLL_INTERVAL=5")
}

func TestBuildBrowserArgs(t *testing.T) {
	t.Parallel()

	proxy := &model.Proxy{
		Enabled: true,
		Type:    model.ProxyTypeHTTP,
		Host:    "10.0.0.1",
		Port:    3128,
	}
	args, port := runsup.BuildBrowserArgs("https://example.com/start", proxy)

	require.GreaterOrEqual(t, port, 9222)
	require.Contains(t, args, "--incognito")
	require.Contains(t, args, "--proxy-server=http://10.0.0.1:3128")
	require.Equal(t, "https://example.com/start", args[len(args)-1])

	t.Run("no proxy", func(t *testing.T) {
		args, _ := runsup.BuildBrowserArgs("https://example.com", nil)
		for _, a := range args {
			require.NotContains(t, a, "--proxy-server")
		}
	})
}
