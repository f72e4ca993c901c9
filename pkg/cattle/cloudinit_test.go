package cattle

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regenrek/moltlets/pkg/persona"
)

func goodCloudInitParams() CloudInitParams {
	return CloudInitParams{
		Hostname:        "cattle-claude-dev-abc12345",
		AdminSSHKeys:    []string{"ssh-ed25519 AAAA admin@example"},
		TailnetAuthKey:  "tskey-auth-test",
		SealedBootstrap: "sealed-envelope",
		SecretsURL:      "https://secrets.internal/v1/redeem",
		Task:            "fix the flaky test",
		TaskID:          "job-1",
	}
}

func TestBuildCloudInit(t *testing.T) {
	p := goodCloudInitParams()
	p.PublicEnv = map[string]string{"ZEBRA": "z", "ALPHA": "a"}
	p.Files = []persona.File{{Path: "/etc/moltlets/persona/system.md", Content: "be helpful"}}

	doc, err := BuildCloudInit(p)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(doc, "#cloud-config\n"))
	assert.Contains(t, doc, "cattle-claude-dev-abc12345")
	assert.Contains(t, doc, "ssh-ed25519 AAAA admin@example")
	assert.Contains(t, doc, "tailscale up --auth-key=tskey-auth-test")
	assert.Contains(t, doc, "moltlets-agent bootstrap")
	assert.Contains(t, doc, "/etc/moltlets/bootstrap.env")
	assert.Contains(t, doc, "/etc/moltlets/task.md")
	assert.Contains(t, doc, "/etc/moltlets/persona/system.md")
	assert.NotContains(t, doc, "shutdown -P")

	// Public env is sorted and the bootstrap references ride in the env file.
	envFile := bootstrapEnvFile(p)
	assert.Equal(t, "MOLTLETS_SECRETS_URL=https://secrets.internal/v1/redeem\n"+
		"MOLTLETS_SEALED_BOOTSTRAP=sealed-envelope\n"+
		"MOLTLETS_TASK_ID=job-1\n"+
		"ALPHA=a\n"+
		"ZEBRA=z\n", envFile)
}

func TestBuildCloudInitAutoShutdown(t *testing.T) {
	p := goodCloudInitParams()
	p.AutoShutdown = true
	p.TTL = 90 * time.Minute

	doc, err := BuildCloudInit(p)
	require.NoError(t, err)
	assert.Contains(t, doc, "shutdown -P +90")
}

func TestBuildCloudInitRequiredFields(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*CloudInitParams)
	}{
		{"no admin keys", func(p *CloudInitParams) { p.AdminSSHKeys = nil }},
		{"no tailnet key", func(p *CloudInitParams) { p.TailnetAuthKey = "" }},
		{"no sealed bootstrap", func(p *CloudInitParams) { p.SealedBootstrap = "" }},
		{"no secrets url", func(p *CloudInitParams) { p.SecretsURL = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := goodCloudInitParams()
			tt.mutate(&p)
			_, err := BuildCloudInit(p)
			assert.Error(t, err)
		})
	}
}

func TestBuildCloudInitSizeLimit(t *testing.T) {
	p := goodCloudInitParams()
	p.Files = []persona.File{{
		Path:    "/etc/moltlets/persona/huge.txt",
		Content: strings.Repeat("x", MaxUserDataBytes),
	}}

	_, err := BuildCloudInit(p)
	assert.ErrorIs(t, err, ErrUserDataTooLarge)
}

func TestBuildCloudInitDefaultAdminUser(t *testing.T) {
	doc, err := BuildCloudInit(goodCloudInitParams())
	require.NoError(t, err)
	assert.Contains(t, doc, "name: admin")
}
