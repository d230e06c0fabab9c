package runsup

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/idforge/idforge/internal/model"

	_ "embed"
)

// workerScriptName is the automation program the supervisor launches. The
// program is opaque to this process except for its line-output contract.
const workerScriptName = "worker.py"

//go:embed worker_default.py
var defaultWorkerScript []byte

// ScriptPath returns the worker script location under dataDir.
func ScriptPath(dataDir string) string {
	return filepath.Join(dataDir, "scripts", workerScriptName)
}

// EnsureWorkerScript materializes the embedded default worker when no
// script exists yet. Deployments overwrite the file with their own
// automation; idforge never touches an existing script.
func EnsureWorkerScript(dataDir string) (string, error) {
	path := ScriptPath(dataDir)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return "", fmt.Errorf("creating scripts directory: %w", err)
	}
	if err := os.WriteFile(path, defaultWorkerScript, 0600); err != nil {
		return "", fmt.Errorf("writing default worker script: %w", err)
	}
	return path, nil
}

// DetectInterpreter resolves the Python interpreter launching the worker.
// An explicit non-empty path is validated and used as-is; otherwise common
// names, versioned installs and pyenv/conda locations are probed.
func DetectInterpreter(customPath string) (string, error) {
	if customPath != "" {
		if interpreterWorks(customPath) {
			return customPath, nil
		}
		return "", fmt.Errorf("configured interpreter is not usable: %s", customPath)
	}

	home, _ := os.UserHomeDir()

	candidates := []string{"python3", "python"}
	for _, version := range []string{"3.13", "3.12", "3.11", "3.10", "3.9"} {
		candidates = append(candidates,
			"/usr/bin/python"+version,
			"/usr/local/bin/python"+version,
			"/opt/homebrew/bin/python"+version,
		)
	}
	if home != "" {
		candidates = append(candidates,
			filepath.Join(home, ".pyenv", "shims", "python"),
			filepath.Join(home, ".pyenv", "shims", "python3"),
			filepath.Join(home, "anaconda3", "bin", "python"),
			filepath.Join(home, "miniconda3", "bin", "python"),
			filepath.Join(home, ".asdf", "shims", "python3"),
		)
	}

	for _, candidate := range candidates {
		if interpreterWorks(candidate) {
			return candidate, nil
		}
	}

	for _, name := range []string{"python3", "python"} {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}

	return "", errors.New("no Python 3 interpreter found; install one or set interpreter.path")
}

func interpreterWorks(path string) bool {
	out, err := exec.Command(path, "--version").CombinedOutput()
	return err == nil && len(out) > 0
}

// InterpreterVersion reports the interpreter's version string, reading
// stderr as a fallback since old interpreters print the banner there.
func InterpreterVersion(path string) string {
	cmd := exec.Command(path, "--version")
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return ""
	}
	if v := strings.TrimSpace(stdout.String()); v != "" {
		return v
	}
	return strings.TrimSpace(stderr.String())
}

// BuildWorkerArgs assembles the fixed worker flag set from config.
func BuildWorkerArgs(cfg model.Config) []string {
	args := []string{
		"--browser-type", cfg.Browser.Type,
		"--loop", strconv.Itoa(cfg.Execution.Count),
		"--interval", strconv.Itoa(cfg.Execution.Interval),
	}

	if cfg.Browser.Type == model.BrowserTypeChrome {
		if cfg.Browser.ChromePath != nil && *cfg.Browser.ChromePath != "" {
			args = append(args, "--chrome-path", *cfg.Browser.ChromePath)
		}
		if cfg.Proxy.Enabled {
			args = append(args,
				"--proxy-enabled", "true",
				"--proxy-type", cfg.Proxy.Type,
				"--proxy-host", cfg.Proxy.Host,
				"--proxy-port", strconv.Itoa(cfg.Proxy.Port),
			)
			if cfg.Proxy.Username != nil {
				args = append(args, "--proxy-user", *cfg.Proxy.Username)
			}
			if cfg.Proxy.Password != nil {
				args = append(args, "--proxy-pass", *cfg.Proxy.Password)
			}
		}
	} else {
		if cfg.Browser.RoxyPort != nil {
			args = append(args, "--roxy-port", strconv.Itoa(*cfg.Browser.RoxyPort))
		}
		if cfg.Browser.RoxyToken != nil {
			args = append(args, "--roxy-token", *cfg.Browser.RoxyToken)
		}
	}

	return args
}

// BuildWorkerEnv assembles the named environment variables of the worker
// contract. Returned as KEY=VALUE pairs ready for exec.Cmd.Env.
func BuildWorkerEnv(cfg model.Config) []string {
	return []string{
		"MAIL_IMAP_SERVER=" + cfg.Mail.IMAPServer,
		"MAIL_ADDRESS=" + cfg.Mail.Address,
		"MAIL_PASSWORD=" + cfg.Mail.Password,
		"MAIL_PREFIX=" + cfg.Register.IdentityPrefix,
		"MAIL_DOMAIN=" + cfg.Register.IdentityDomain,
		"MAIL_TIMEOUT=" + strconv.Itoa(cfg.Mail.Timeout),
		"MAIL_POLL_INTERVAL=" + strconv.Itoa(cfg.Mail.PollInterval),
	}
}

// maskEnv renders KEY=VALUE pairs for logging, hiding secret values.
func maskEnv(env []string) []string {
	out := make([]string, 0, len(env))
	for _, kv := range env {
		key, _, ok := strings.Cut(kv, "=")
		if ok && (strings.Contains(key, "PASSWORD") || strings.Contains(key, "SECRET")) {
			out = append(out, key+"=***")
			continue
		}
		out = append(out, kv)
	}
	return out
}

// DetectChromePath probes well-known Chrome/Chromium install locations.
func DetectChromePath() (string, error) {
	candidates := []string{
		"/usr/bin/google-chrome",
		"/usr/bin/google-chrome-stable",
		"/usr/bin/chromium",
		"/usr/bin/chromium-browser",
		"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates,
			filepath.Join(home, "Applications", "Google Chrome.app", "Contents", "MacOS", "Google Chrome"))
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", errors.New("no Chrome browser found; set browser.chromePath")
}

// BuildBrowserArgs assembles the Chrome launch flags for an attended login:
// incognito, a free remote-debugging port, a throwaway profile, proxy when
// enabled, plus the automation-friendly switches. Returns the args and the
// chosen debug port.
func BuildBrowserArgs(url string, proxy *model.Proxy) ([]string, int) {
	debugPort := findFreePort(9222, 9322)

	args := []string{
		"--incognito",
		"--remote-debugging-port=" + strconv.Itoa(debugPort),
		"--user-data-dir=" + filepath.Join(os.TempDir(), "idforge_chrome_"+strconv.Itoa(debugPort)),
	}

	if proxy != nil && proxy.Enabled {
		scheme := proxy.Type
		if scheme != model.ProxyTypeSocks5 && scheme != model.ProxyTypeHTTPS {
			scheme = model.ProxyTypeHTTP
		}
		args = append(args, fmt.Sprintf("--proxy-server=%s://%s:%d", scheme, proxy.Host, proxy.Port))
	}

	args = append(args,
		"--no-first-run",
		"--no-default-browser-check",
		"--disable-background-networking",
		"--disable-default-apps",
		"--disable-extensions",
		"--disable-hang-monitor",
		"--disable-popup-blocking",
		"--disable-prompt-on-repost",
		"--disable-sync",
		"--disable-translate",
		"--disable-ipc-flooding-protection",
		"--disable-renderer-backgrounding",
		"--metrics-recording-only",
		"--password-store=basic",
		"--use-mock-keychain",
	)

	args = append(args, url)
	return args, debugPort
}

// findFreePort returns the first bindable loopback port in [from, to), or
// from when none is free.
func findFreePort(from, to int) int {
	for port := from; port < to; port++ {
		ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		if err == nil {
			_ = ln.Close()
			return port
		}
	}
	return from
}
