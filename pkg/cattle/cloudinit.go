package cattle

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/regenrek/moltlets/pkg/persona"
)

// MaxUserDataBytes is the hard ceiling on a serialized cloud-init document.
// Providers truncate or reject oversized user data; we reject explicitly
// rather than ship a silently mangled boot script.
const MaxUserDataBytes = 32 << 10 // 32 KiB

// ErrUserDataTooLarge indicates the cloud-init document exceeded the ceiling.
var ErrUserDataTooLarge = errors.New("cloud-init user data exceeds size limit")

// CloudInitParams carries everything that goes into an instance's boot
// document. Secret material is limited to the one-time tailnet join key; the
// real credentials travel as a sealed envelope only the instance can open.
type CloudInitParams struct {
	Hostname       string
	AdminUser      string
	AdminSSHKeys   []string
	TailnetAuthKey string

	// SealedBootstrap is the sealed bootstrap token envelope; SecretsURL is
	// where the instance redeems it for its credential set.
	SealedBootstrap string
	SecretsURL      string

	PublicEnv map[string]string
	Files     []persona.File

	Task   string
	TaskID string

	// AutoShutdown powers the instance off after TTL as a second layer of
	// expiry enforcement alongside the reaper.
	AutoShutdown bool
	TTL          time.Duration
}

type cloudConfigUser struct {
	Name              string   `yaml:"name"`
	Sudo              string   `yaml:"sudo"`
	Shell             string   `yaml:"shell"`
	SSHAuthorizedKeys []string `yaml:"ssh_authorized_keys"`
}

type cloudConfigFile struct {
	Path        string `yaml:"path"`
	Content     string `yaml:"content"`
	Permissions string `yaml:"permissions,omitempty"`
}

type cloudConfig struct {
	Hostname   string            `yaml:"hostname,omitempty"`
	Users      []cloudConfigUser `yaml:"users"`
	WriteFiles []cloudConfigFile `yaml:"write_files,omitempty"`
	RunCmd     []string          `yaml:"runcmd,omitempty"`
}

// BuildCloudInit serializes the boot document for a new cattle instance.
func BuildCloudInit(p CloudInitParams) (string, error) {
	if len(p.AdminSSHKeys) == 0 {
		return "", errors.New("at least one admin SSH key is required")
	}
	if p.TailnetAuthKey == "" {
		return "", errors.New("tailnet auth key is required")
	}
	if p.SealedBootstrap == "" || p.SecretsURL == "" {
		return "", errors.New("sealed bootstrap reference is required")
	}

	adminUser := p.AdminUser
	if adminUser == "" {
		adminUser = "admin"
	}

	doc := cloudConfig{
		Hostname: p.Hostname,
		Users: []cloudConfigUser{{
			Name:              adminUser,
			Sudo:              "ALL=(ALL) NOPASSWD:ALL",
			Shell:             "/bin/bash",
			SSHAuthorizedKeys: p.AdminSSHKeys,
		}},
	}

	doc.WriteFiles = append(doc.WriteFiles,
		cloudConfigFile{
			Path:        "/etc/moltlets/bootstrap.env",
			Content:     bootstrapEnvFile(p),
			Permissions: "0600",
		},
		cloudConfigFile{
			Path:        "/etc/moltlets/task.md",
			Content:     p.Task,
			Permissions: "0644",
		},
	)
	for _, f := range p.Files {
		mode := f.Mode
		if mode == "" {
			mode = "0644"
		}
		doc.WriteFiles = append(doc.WriteFiles, cloudConfigFile{
			Path:        f.Path,
			Content:     f.Content,
			Permissions: mode,
		})
	}

	doc.RunCmd = []string{
		fmt.Sprintf("tailscale up --auth-key=%s --hostname=%s", p.TailnetAuthKey, p.Hostname),
		"moltlets-agent bootstrap --env /etc/moltlets/bootstrap.env",
	}
	if p.AutoShutdown && p.TTL > 0 {
		minutes := int(p.TTL.Minutes())
		if minutes < 1 {
			minutes = 1
		}
		doc.RunCmd = append(doc.RunCmd, fmt.Sprintf("shutdown -P +%d", minutes))
	}

	var b strings.Builder
	b.WriteString("#cloud-config\n")
	enc := yaml.NewEncoder(&b)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return "", fmt.Errorf("encoding cloud-init document: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("finalizing cloud-init document: %w", err)
	}

	out := b.String()
	if len(out) > MaxUserDataBytes {
		return "", fmt.Errorf("%w: %d bytes (limit %d)", ErrUserDataTooLarge, len(out), MaxUserDataBytes)
	}
	return out, nil
}

// bootstrapEnvFile renders the env file the on-instance agent reads to
// redeem its sealed bootstrap token. Public (non-secret) env values ride
// along here; secret values never do.
func bootstrapEnvFile(p CloudInitParams) string {
	var b strings.Builder
	fmt.Fprintf(&b, "MOLTLETS_SECRETS_URL=%s\n", p.SecretsURL)
	fmt.Fprintf(&b, "MOLTLETS_SEALED_BOOTSTRAP=%s\n", p.SealedBootstrap)
	fmt.Fprintf(&b, "MOLTLETS_TASK_ID=%s\n", p.TaskID)

	keys := make([]string, 0, len(p.PublicEnv))
	for k := range p.PublicEnv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s\n", k, p.PublicEnv[k])
	}
	return b.String()
}
