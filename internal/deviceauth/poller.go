package deviceauth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/idforge/idforge/internal/account"
	"github.com/idforge/idforge/internal/model"

	"github.com/golang-jwt/jwt/v5"
)

// providerTag marks accounts provisioned through the device grant.
const providerTag = "BuilderId"

// slowDownIncrement is the fixed interval bump applied per slow_down
// response, per RFC 8628 §3.5.
const slowDownIncrement = 5 * time.Second

// syntheticIdentity is the last-resort identity when neither the usage
// snapshot nor the identity token disclose an email.
const syntheticIdentity = "user@builder.id"

// PendingAuth is the in-flight device-code session. At most one is alive at
// a time; a new Start overwrites it.
type PendingAuth struct {
	DeviceCode   string
	ClientID     string
	ClientSecret string
	Region       string
	ExpiresAt    int64
}

// Poller owns the device-grant lifecycle and the pending-authorization
// singleton shared between the background loop and on-demand polls.
//
// Two mutexes: mx guards the pending slot, the visible URL and the
// generation counter; pollMx serializes token round-trips so the background
// loop and an on-demand call never both consume the one-time device code.
// The generation counter discards results of polls that started before a
// Clear or a newer Start.
type Poller struct {
	client   *Client
	store    *account.Store
	identity *Identity
	startURL string
	region   string
	manual   bool
	newUsage func(region, machineID string) *UsageClient
	notify   func(model.Account)

	mx         sync.Mutex
	pending    *PendingAuth
	authURL    string
	generation uint64

	pollMx sync.Mutex
}

func NewPoller(store *account.Store, identity *Identity, startURL, region string) *Poller {
	return &Poller{
		client:   NewClient(region),
		store:    store,
		identity: identity,
		startURL: startURL,
		region:   region,
		newUsage: NewUsageClient,
	}
}

// WithClient swaps the OIDC client. Used by tests.
func (p *Poller) WithClient(c *Client) *Poller {
	p.client = c
	return p
}

// WithUsageFactory swaps the usage-client constructor. Used by tests.
func (p *Poller) WithUsageFactory(f func(region, machineID string) *UsageClient) *Poller {
	p.newUsage = f
	return p
}

// ManualOnly disables the background loop; polling then happens only
// through PollPending.
func (p *Poller) ManualOnly() *Poller {
	p.manual = true
	return p
}

// WithNotifier registers the callback invoked once per completed
// authorization, after the account is persisted.
func (p *Poller) WithNotifier(notify func(model.Account)) *Poller {
	p.notify = notify
	return p
}

// CurrentAuthURL returns the verification URL of the in-flight
// authorization, or empty when none is pending.
func (p *Poller) CurrentAuthURL() string {
	p.mx.Lock()
	defer p.mx.Unlock()
	return p.authURL
}

// HasPending reports whether an authorization is in flight.
func (p *Poller) HasPending() bool {
	p.mx.Lock()
	defer p.mx.Unlock()
	return p.pending != nil
}

// Clear drops the pending authorization and the visible URL. An in-flight
// network call is not interrupted; its late result is discarded by the
// generation check.
func (p *Poller) Clear() {
	p.mx.Lock()
	defer p.mx.Unlock()
	p.pending = nil
	p.authURL = ""
	p.generation++
}

// Start registers a client, begins device authorization, installs the
// pending singleton and spawns the background poll loop. A previous pending
// authorization is overwritten, not queued. Returns the authorization so
// the caller can present the verification URL and user code.
func (p *Poller) Start(ctx context.Context) (Authorization, error) {
	creds, err := p.client.RegisterClient(ctx)
	if err != nil {
		return Authorization{}, err
	}
	slog.InfoContext(ctx, "client registered", "client_id", creds.ClientID)

	auth, err := p.client.StartDeviceAuthorization(ctx, creds, p.startURL)
	if err != nil {
		return Authorization{}, err
	}
	slog.InfoContext(ctx, "device authorization started",
		"user_code", auth.UserCode, "expires_in", auth.ExpiresIn, "interval", auth.Interval)

	pend := PendingAuth{
		DeviceCode:   auth.DeviceCode,
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		Region:       p.region,
		ExpiresAt:    time.Now().Unix() + auth.ExpiresIn,
	}

	p.mx.Lock()
	p.generation++
	gen := p.generation
	p.pending = &pend
	p.authURL = auth.URL()
	p.mx.Unlock()

	if !p.manual {
		go p.run(ctx, gen, time.Duration(auth.Interval)*time.Second)
	}
	return auth, nil
}

// run is the background poll loop: sleep the current interval, poll, adjust.
// It exits on a terminal outcome, on wall-clock expiry, on ctx cancellation,
// or once the generation moved on.
func (p *Poller) run(ctx context.Context, gen uint64, interval time.Duration) {
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		outcome, _, err := p.pollGeneration(ctx, gen)
		if errors.Is(err, model.ErrNoPendingAuth) {
			// cleared or superseded by a newer authorization
			return
		}
		switch outcome {
		case Success, Expired, Denied:
			return
		case SlowDown:
			interval += slowDownIncrement
			slog.DebugContext(ctx, "provider requested slow down", "interval", interval.String())
		case Pending:
			// keep the interval
		case TransientError:
			slog.DebugContext(ctx, "poll failed, will retry", "error", err)
		}
		timer.Reset(interval)
	}
}

// PollPending performs one on-demand poll of the pending authorization.
// Returns model.ErrNoPendingAuth when nothing is in flight, and the
// reconciled account on success.
func (p *Poller) PollPending(ctx context.Context) (Outcome, *model.Account, error) {
	p.mx.Lock()
	gen := p.generation
	p.mx.Unlock()
	return p.pollGeneration(ctx, gen)
}

// pollGeneration is the single poll implementation both drivers share. The
// poll mutex is held for exactly one round-trip.
func (p *Poller) pollGeneration(ctx context.Context, gen uint64) (Outcome, *model.Account, error) {
	p.pollMx.Lock()
	defer p.pollMx.Unlock()

	p.mx.Lock()
	if p.pending == nil || p.generation != gen {
		p.mx.Unlock()
		return TransientError, nil, model.ErrNoPendingAuth
	}
	pend := *p.pending
	p.mx.Unlock()

	if time.Now().Unix() > pend.ExpiresAt {
		p.clearGeneration(gen)
		slog.InfoContext(ctx, "device authorization expired before completion")
		return Expired, nil, model.ErrAuthExpired
	}

	creds := ClientCredentials{ClientID: pend.ClientID, ClientSecret: pend.ClientSecret}
	outcome, token, err := p.client.PollOnce(ctx, creds, pend.DeviceCode)
	switch outcome {
	case Success:
		// Clear (or a newer Start) may have landed during the round-trip;
		// a stale token must not reach the reconciler.
		p.mx.Lock()
		stale := p.pending == nil || p.generation != gen
		p.mx.Unlock()
		if stale {
			slog.InfoContext(ctx, "discarding token for a cleared authorization")
			return TransientError, nil, model.ErrNoPendingAuth
		}
		acct, completeErr := p.complete(ctx, pend, *token)
		p.clearGeneration(gen)
		if completeErr != nil {
			return Success, nil, completeErr
		}
		return Success, &acct, nil
	case Expired:
		p.clearGeneration(gen)
		return Expired, nil, model.ErrAuthExpired
	case Denied:
		p.clearGeneration(gen)
		return Denied, nil, model.ErrAuthDenied
	case SlowDown, Pending:
		return outcome, nil, nil
	default:
		return TransientError, nil, err
	}
}

// clearGeneration drops the pending slot only when gen is still current, so
// a stray poll finishing after Clear or a newer Start cannot wipe it.
func (p *Poller) clearGeneration(gen uint64) {
	p.mx.Lock()
	defer p.mx.Unlock()
	if p.generation != gen {
		return
	}
	p.pending = nil
	p.authURL = ""
	p.generation++
}

// complete reconciles a fresh token into the account store: fingerprint the
// start URL, fetch the usage snapshot (tolerating failure), derive the
// identity, upsert, and rotate the device identity.
func (p *Poller) complete(ctx context.Context, pend PendingAuth, token Token) (model.Account, error) {
	sum := sha256.Sum256([]byte(p.startURL))
	clientIDHash := hex.EncodeToString(sum[:])

	machineID, err := p.identity.Get()
	if err != nil {
		slog.WarnContext(ctx, "reading device identity", "error", err)
	}

	var snapshot *model.UsageSnapshot
	if snapshot, err = p.newUsage(pend.Region, machineID).Fetch(ctx, token.AccessToken); err != nil {
		slog.WarnContext(ctx, "fetching usage snapshot", "error", err)
		snapshot = nil
	}

	email := snapshot.Identity()
	if email == "" {
		email = emailFromIDToken(token.IDToken)
	}
	if email == "" {
		email = syntheticIdentity
	}

	expiresAt := time.Now().Add(time.Duration(token.ExpiresIn) * time.Second).Format(model.TimestampLayout)
	cred := account.Credential{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		IDToken:      token.IDToken,
		ExpiresAt:    &expiresAt,
		ClientID:     &pend.ClientID,
		ClientSecret: &pend.ClientSecret,
		ClientIDHash: &clientIDHash,
		Region:       &pend.Region,
		SSOSessionID: token.SSOSessionID,
	}

	acct, err := p.store.Upsert(email, providerTag, email, cred, snapshot)
	if err != nil {
		slog.ErrorContext(ctx, "persisting account", "error", err)
		return acct, fmt.Errorf("persisting account: %w", err)
	}
	slog.InfoContext(ctx, "authorization completed", "email", email)

	if _, err := p.identity.Reset(); err != nil {
		slog.WarnContext(ctx, "rotating device identity", "error", err)
	}

	if p.notify != nil {
		p.notify(acct)
	}
	return acct, nil
}

// emailFromIDToken extracts the email claim of an identity token without
// verifying the signature; the token was just received over TLS from the
// issuer.
func emailFromIDToken(idToken *string) string {
	if idToken == nil || *idToken == "" {
		return ""
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(*idToken, claims); err != nil {
		return ""
	}
	if email, ok := claims["email"].(string); ok {
		return email
	}
	return ""
}
