package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Wikid82/bookguard/internal/api/middleware"
	"github.com/Wikid82/bookguard/internal/config"
	"github.com/Wikid82/bookguard/internal/models"
)

func setupWorkdir(t *testing.T) {
	t.Helper()
	t.Chdir(t.TempDir())
	t.Setenv(config.ConfigPathEnvVar, "")
	t.Setenv("BOOKGUARD_AUTH__JWT_SECRET", "secctl-test-secret-secctl-test-secret")
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append([]string{"--as", "oncall"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestToken(t *testing.T) {
	setupWorkdir(t)

	out, err := run(t, "token", "--subject", "billing-svc", "--role", "service")
	require.NoError(t, err)
	claims, err := middleware.ParseAdminToken("secctl-test-secret-secctl-test-secret", strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "billing-svc", claims.Subject)
	assert.Equal(t, middleware.RoleService, claims.Role)

	_, err = run(t, "token", "--subject", "x", "--role", "root")
	assert.Error(t, err)
}

func TestIPBlockLifecycle(t *testing.T) {
	setupWorkdir(t)

	_, err := run(t, "ip", "block", "not-an-ip")
	assert.Error(t, err)

	out, err := run(t, "ip", "block", "203.0.113.88", "--reason", "scraping", "--duration", "30m")
	require.NoError(t, err)
	var block models.IPBlock
	require.NoError(t, json.Unmarshal([]byte(out), &block))
	assert.Equal(t, "oncall", block.BlockedBy)
	assert.Equal(t, "scraping", block.Reason)

	out, err = run(t, "ip", "status", "203.0.113.88")
	require.NoError(t, err)
	assert.Contains(t, out, `"blocked": true`)

	out, err = run(t, "ip", "unblock", "203.0.113.88")
	require.NoError(t, err)
	assert.Contains(t, out, `"unblocked": true`)
}

func TestOverrideAndAdjust(t *testing.T) {
	setupWorkdir(t)

	_, err := run(t, "override", "set", "adjust")
	assert.Error(t, err)

	out, err := run(t, "override", "set", "adjust", "--multiplier", "0.5", "--reason", "flash sale")
	require.NoError(t, err)
	var ov models.EmergencyOverride
	require.NoError(t, json.Unmarshal([]byte(out), &ov))
	assert.Equal(t, models.OverrideAdjust, ov.Action)
	assert.Equal(t, "oncall", ov.ActivatedBy)

	out, err = run(t, "override", "show")
	require.NoError(t, err)
	assert.Contains(t, out, `"active": true`)

	_, err = run(t, "override", "clear")
	require.NoError(t, err)
	out, err = run(t, "override", "show")
	require.NoError(t, err)
	assert.Contains(t, out, `"active": false`)

	_, err = run(t, "adjust", "set", "auth", "extreme")
	assert.Error(t, err)

	out, err = run(t, "adjust", "set", "auth", "medium")
	require.NoError(t, err)
	var adj models.ThreatAdjustment
	require.NoError(t, json.Unmarshal([]byte(out), &adj))
	assert.Equal(t, 0.5, adj.Multiplier)

	_, err = run(t, "adjust", "clear", "auth")
	require.NoError(t, err)
	_, err = run(t, "adjust", "show", "auth")
	assert.Error(t, err)
}

func TestIncidentsAndJanitor(t *testing.T) {
	setupWorkdir(t)

	out, err := run(t, "incidents", "list")
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, out)

	_, err = run(t, "incidents", "status", "missing", "resolved")
	assert.Error(t, err)

	out, err = run(t, "janitor")
	require.NoError(t, err)
	assert.Contains(t, out, "expired_rows")
}
