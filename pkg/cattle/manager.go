package cattle

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/regenrek/moltlets/pkg/cloud"
	"github.com/regenrek/moltlets/pkg/persona"
	"github.com/regenrek/moltlets/pkg/sealbox"
)

// Sentinel errors for lifecycle operations. These are all fatal from the
// job's perspective: the worker fails the job immediately and the caller
// decides whether to resubmit.
var (
	// ErrCapacity indicates the instance cap is reached; no instance was
	// created.
	ErrCapacity = errors.New("instance capacity reached")

	// ErrMissingCredential indicates a required credential env var is not
	// present in the orchestrator's environment.
	ErrMissingCredential = errors.New("missing required credential")

	// ErrInvalidTTL indicates an unparseable TTL string.
	ErrInvalidTTL = errors.New("invalid ttl")
)

// TailnetKey is a join key handed to a new instance.
type TailnetKey struct {
	Key       string
	ExpiresAt time.Time
	OneTime   bool
}

// Constraints expresses the key's invariants for validation.
func (k TailnetKey) Constraints() sealbox.TokenConstraints {
	return sealbox.TokenConstraints{
		OneTime:   k.OneTime,
		ExpiresAt: k.ExpiresAt,
		MaxTTL:    sealbox.MaxTailnetKeyTTL,
	}
}

// Environment supplies credentials and host material from the orchestrator's
// surroundings. Implemented over process env by internal/config.
type Environment interface {
	// AdminSSHKeys returns the admin public keys installed on every
	// instance.
	AdminSSHKeys() []string

	// TailnetKey returns the join key for the tailnet, with its declared
	// expiry and one-time flag.
	TailnetKey() (TailnetKey, error)

	// HasCredential reports whether the named credential env var is
	// present (value never crosses this interface).
	HasCredential(name string) bool
}

// Recipient identifies the public key sealed envelopes are addressed to.
type Recipient struct {
	PublicKey *rsa.PublicKey
	KeyID     string
}

// Config configures a Manager.
type Config struct {
	// MaxInstances caps concurrently existing cattle instances.
	MaxInstances int

	// DefaultTTL applies when a spawn request carries no TTL.
	DefaultTTL time.Duration

	// Defaults for instance creation.
	DefaultImage      string
	DefaultServerType string
	DefaultLocation   string

	// FirewallName is the shared firewall ensured before every create.
	FirewallName string

	// FirewallCacheTTL bounds how long a resolved firewall id is reused
	// before re-checking with the provider. Zero uses 10 minutes.
	FirewallCacheTTL time.Duration

	// SecretsURL is the endpoint instances redeem sealed bootstrap tokens
	// against.
	SecretsURL string

	// AdminUser is the login created on instances. Empty uses "admin".
	AdminUser string

	// ReapConcurrency bounds parallel destroys during a reap. Zero uses 4.
	ReapConcurrency int

	// CreateTimeout bounds waiting for a new instance to reach running.
	// Zero uses 5 minutes.
	CreateTimeout time.Duration
}

// Reap retry policy: transient destroy failures are retried with
// exponential backoff; everything else aborts that instance only.
const (
	reapMaxAttempts    = 4
	reapBackoffInitial = 500 * time.Millisecond
	reapBackoffCap     = 5 * time.Second
)

// Manager spawns and reaps cattle instances.
//
// The spawn path serializes itself through an in-process mutex around the
// capacity check and create call. That mutex is the sole admission-control
// guarantee and only holds within one orchestrator process; running several
// orchestrators against the same cloud account would need a distributed
// lock instead.
type Manager struct {
	provider  cloud.Provider
	personas  *persona.Resolver
	env       Environment
	recipient *Recipient
	cfg       Config
	logger    *zap.Logger

	admission sync.Mutex

	firewallMu       sync.Mutex
	firewallID       int64
	firewallCachedAt time.Time
}

// NewManager creates a Manager. logger may not be nil; pass zap.NewNop() in
// tests.
func NewManager(provider cloud.Provider, personas *persona.Resolver, env Environment, recipient *Recipient, cfg Config, logger *zap.Logger) *Manager {
	if cfg.MaxInstances <= 0 {
		cfg.MaxInstances = 5
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 2 * time.Hour
	}
	if cfg.FirewallCacheTTL <= 0 {
		cfg.FirewallCacheTTL = 10 * time.Minute
	}
	if cfg.ReapConcurrency <= 0 {
		cfg.ReapConcurrency = 4
	}
	if cfg.CreateTimeout <= 0 {
		cfg.CreateTimeout = 5 * time.Minute
	}
	if cfg.FirewallName == "" {
		cfg.FirewallName = "moltlets-cattle"
	}
	return &Manager{
		provider:  provider,
		personas:  personas,
		env:       env,
		recipient: recipient,
		cfg:       cfg,
		logger:    logger,
	}
}

// SpawnRequest describes a new cattle instance.
type SpawnRequest struct {
	JobID     string
	Requester string

	Persona string
	TTL     string
	Task    string

	Image        string
	ServerType   string
	Location     string
	AutoShutdown bool

	// WithGithubToken adds GITHUB_TOKEN to the credential set the instance
	// fetches at boot.
	WithGithubToken bool
}

// Spawn provisions one cattle instance: resolves the persona, checks the
// capacity cap under the admission mutex, mints and seals a bootstrap
// token, builds the cloud-init document, creates the instance with
// descriptive labels and the shared firewall attached, and waits for it to
// reach running.
//
// Spawn does not retry. A transient provider failure fails the operation
// and the caller resubmits.
func (m *Manager) Spawn(ctx context.Context, req SpawnRequest) (*Server, error) {
	p, err := m.personas.Resolve(req.Persona)
	if err != nil {
		return nil, err
	}
	envKeys := append([]string(nil), p.EnvKeys...)
	if req.WithGithubToken {
		envKeys = append(envKeys, "GITHUB_TOKEN")
	}
	for _, key := range envKeys {
		if !m.env.HasCredential(key) {
			return nil, fmt.Errorf("%w: %s (required by persona %s)", ErrMissingCredential, key, p.Name)
		}
	}

	ttl, err := m.parseTTL(req.TTL)
	if err != nil {
		return nil, err
	}

	tailnetKey, err := m.env.TailnetKey()
	if err != nil {
		return nil, fmt.Errorf("resolving tailnet key: %w", err)
	}
	if err := tailnetKey.Constraints().Validate(time.Now()); err != nil {
		return nil, fmt.Errorf("tailnet key rejected: %w", err)
	}

	createdAt := time.Now().UTC()
	expiresAt := createdAt.Add(ttl)
	name := fmt.Sprintf("cattle-%s-%s", p.Name, uuid.New().String()[:8])
	taskID := req.JobID

	token, err := MintBootstrapToken(req.JobID, req.Requester, name, envKeys, p.PublicEnv)
	if err != nil {
		return nil, err
	}
	sealed, err := token.Seal(m.recipient)
	if err != nil {
		return nil, fmt.Errorf("sealing bootstrap token: %w", err)
	}

	userData, err := BuildCloudInit(CloudInitParams{
		Hostname:        name,
		AdminUser:       m.cfg.AdminUser,
		AdminSSHKeys:    m.env.AdminSSHKeys(),
		TailnetAuthKey:  tailnetKey.Key,
		SealedBootstrap: sealed,
		SecretsURL:      m.cfg.SecretsURL,
		PublicEnv:       p.PublicEnv,
		Files:           p.Files,
		Task:            req.Task,
		TaskID:          taskID,
		AutoShutdown:    req.AutoShutdown,
		TTL:             ttl,
	})
	if err != nil {
		return nil, err
	}

	firewallID, err := m.ensureFirewall(ctx)
	if err != nil {
		return nil, err
	}

	created, err := m.createWithAdmission(ctx, cloud.CreateServerRequest{
		Name:       name,
		ServerType: firstNonEmpty(req.ServerType, m.cfg.DefaultServerType),
		Image:      firstNonEmpty(req.Image, m.cfg.DefaultImage),
		Location:   firstNonEmpty(req.Location, m.cfg.DefaultLocation),
		UserData:   userData,
		Labels: map[string]string{
			LabelManagedBy: ManagedByValue,
			LabelCattle:    "true",
			LabelPersona:   p.Name,
			LabelTaskID:    taskID,
			LabelCreatedAt: fmt.Sprintf("%d", createdAt.Unix()),
			LabelExpiresAt: fmt.Sprintf("%d", expiresAt.Unix()),
		},
		FirewallIDs: []int64{firewallID},
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("cattle instance created",
		zap.Int64("server_id", created.ID),
		zap.String("name", name),
		zap.String("persona", p.Name),
		zap.Time("expires_at", expiresAt))

	waitCtx, cancel := context.WithTimeout(ctx, m.cfg.CreateTimeout)
	defer cancel()
	if err := m.provider.WaitForStatus(waitCtx, created.ID, cloud.StatusRunning); err != nil {
		return nil, fmt.Errorf("server %d did not reach running: %w", created.ID, err)
	}

	server := FromCloud(*created)
	server.Status = string(cloud.StatusRunning)
	return &server, nil
}

// createWithAdmission holds the admission mutex across the list-then-create
// critical section, and nothing more.
func (m *Manager) createWithAdmission(ctx context.Context, req cloud.CreateServerRequest) (*cloud.Server, error) {
	m.admission.Lock()
	defer m.admission.Unlock()

	existing, err := m.provider.ListServers(ctx, Selector)
	if err != nil {
		return nil, fmt.Errorf("listing instances: %w", err)
	}
	if len(existing) >= m.cfg.MaxInstances {
		return nil, fmt.Errorf("%w: %d of %d in use", ErrCapacity, len(existing), m.cfg.MaxInstances)
	}

	return m.provider.CreateServer(ctx, req)
}

func (m *Manager) parseTTL(s string) (time.Duration, error) {
	if strings.TrimSpace(s) == "" {
		return m.cfg.DefaultTTL, nil
	}
	ttl, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTTL, s)
	}
	if ttl <= 0 {
		return 0, fmt.Errorf("%w: %q must be positive", ErrInvalidTTL, s)
	}
	return ttl, nil
}

// ensureFirewall resolves the shared firewall id, reusing a cached value to
// avoid a provider round trip on every spawn.
func (m *Manager) ensureFirewall(ctx context.Context) (int64, error) {
	m.firewallMu.Lock()
	defer m.firewallMu.Unlock()

	if m.firewallID != 0 && time.Since(m.firewallCachedAt) < m.cfg.FirewallCacheTTL {
		return m.firewallID, nil
	}

	id, err := m.provider.EnsureFirewall(ctx, m.cfg.FirewallName, []cloud.FirewallRule{
		{Protocol: "tcp", Port: "22", SourceIPs: []string{"0.0.0.0/0", "::/0"}},
	})
	if err != nil {
		return 0, fmt.Errorf("ensuring firewall: %w", err)
	}
	m.firewallID = id
	m.firewallCachedAt = time.Now()
	return id, nil
}

// ReapReport is the outcome of a reap pass.
type ReapReport struct {
	// Candidates are the expired instances, oldest expiry first.
	Candidates []Server `json:"candidates"`

	// DeletedIDs are the instances actually destroyed; always a subset of
	// the candidate ids, and empty in dry-run mode.
	DeletedIDs []int64 `json:"deletedIds"`
}

// Reap finds every expired cattle instance and, unless dryRun is set,
// destroys them with bounded concurrency and per-instance retry. Transient
// failures (network, 429, 5xx) are retried with exponential backoff; a
// non-retryable failure abandons only that instance.
func (m *Manager) Reap(ctx context.Context, dryRun bool) (*ReapReport, error) {
	servers, err := m.provider.ListServers(ctx, Selector)
	if err != nil {
		return nil, fmt.Errorf("listing instances: %w", err)
	}

	now := time.Now().UTC()
	var candidates []Server
	for _, s := range servers {
		view := FromCloud(s)
		if view.Expired(now) {
			candidates = append(candidates, view)
		}
	}
	// Oldest first, ids as tiebreak, for deterministic reports.
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].ExpiresAt.Equal(candidates[j].ExpiresAt) {
			return candidates[i].ExpiresAt.Before(candidates[j].ExpiresAt)
		}
		return candidates[i].ID < candidates[j].ID
	})

	report := &ReapReport{Candidates: candidates, DeletedIDs: []int64{}}
	if dryRun || len(candidates) == 0 {
		return report, nil
	}

	work := make(chan Server)
	var (
		wg        sync.WaitGroup
		deletedMu sync.Mutex
	)
	for i := 0; i < m.cfg.ReapConcurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for s := range work {
				if err := m.destroyWithRetry(ctx, s); err != nil {
					m.logger.Warn("failed to reap instance",
						zap.Int64("server_id", s.ID),
						zap.String("name", s.Name),
						zap.Error(err))
					continue
				}
				deletedMu.Lock()
				report.DeletedIDs = append(report.DeletedIDs, s.ID)
				deletedMu.Unlock()
			}
		}()
	}
	for _, s := range candidates {
		work <- s
	}
	close(work)
	wg.Wait()

	sort.Slice(report.DeletedIDs, func(i, j int) bool { return report.DeletedIDs[i] < report.DeletedIDs[j] })
	m.logger.Info("reap complete",
		zap.Int("candidates", len(candidates)),
		zap.Int("deleted", len(report.DeletedIDs)))
	return report, nil
}

func (m *Manager) destroyWithRetry(ctx context.Context, s Server) error {
	backoff := reapBackoffInitial
	var lastErr error
	for attempt := 1; attempt <= reapMaxAttempts; attempt++ {
		err := m.provider.DeleteServer(ctx, s.ID)
		if err == nil {
			return nil
		}
		if cloud.IsNotFound(err) {
			// Already gone; count it as deleted.
			return nil
		}
		if !cloud.IsRetryable(err) {
			return err
		}
		lastErr = err
		if attempt == reapMaxAttempts {
			break
		}

		m.logger.Debug("retrying instance delete",
			zap.Int64("server_id", s.ID),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > reapBackoffCap {
			backoff = reapBackoffCap
		}
	}
	return fmt.Errorf("delete failed after %d attempts: %w", reapMaxAttempts, lastErr)
}

// List returns every managed cattle instance as a cattle view.
func (m *Manager) List(ctx context.Context) ([]Server, error) {
	servers, err := m.provider.ListServers(ctx, Selector)
	if err != nil {
		return nil, fmt.Errorf("listing instances: %w", err)
	}
	out := make([]Server, 0, len(servers))
	for _, s := range servers {
		out = append(out, FromCloud(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
