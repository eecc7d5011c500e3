// Package registry is the Postgres-backed subscription registry: bots,
// their followers with per-follower shared secrets, and the platform
// identity record. The encrypted fanout sink reads followers through a
// short TTL cache so Postgres stays off the event hot path.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/c360/relaygate/component"
	"github.com/c360/relaygate/config"
	"github.com/c360/relaygate/errors"
	"github.com/c360/relaygate/fanout"
)

const (
	serviceName = "subscription-registry"

	connectTimeout = 10 * time.Second
	queryTimeout   = 5 * time.Second

	// followerTTL bounds how stale the fanout sink's follower view may
	// be after a subscription change.
	followerTTL = 30 * time.Second
)

const schema = `
CREATE TABLE IF NOT EXISTS bots (
    bot_pubkey TEXT PRIMARY KEY,
    nostr_pubkey TEXT NOT NULL,
    eth_address TEXT NOT NULL UNIQUE,
    name TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    last_seen_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS subscriptions (
    id BIGSERIAL PRIMARY KEY,
    bot_pubkey TEXT NOT NULL REFERENCES bots(bot_pubkey) ON DELETE CASCADE,
    follower_pubkey TEXT NOT NULL,
    shared_secret TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE(bot_pubkey, follower_pubkey)
);
CREATE TABLE IF NOT EXISTS platform_state (
    id TEXT PRIMARY KEY,
    pubkey TEXT NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`

// BotRecord is a registered bot.
type BotRecord struct {
	BotPubkey   string `json:"bot_pubkey"`
	NostrPubkey string `json:"nostr_pubkey"`
	EthAddress  string `json:"eth_address"`
	Name        string `json:"name"`
}

// Subscription pairs a follower with the shared secret its fanout
// payloads are sealed under.
type Subscription struct {
	FollowerPubkey string `json:"follower_pubkey"`
	SharedSecret   string `json:"-"`
}

// Registry implements component.LifecycleComponent over a pgx pool.
type Registry struct {
	cfg   config.PostgresConfig
	log   *slog.Logger
	pool  *pgxpool.Pool
	cache *followerCache
}

// New creates the registry. It connects on Start, not here.
func New(cfg config.PostgresConfig, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		cfg:   cfg,
		log:   log.With("component", serviceName),
		cache: newFollowerCache(followerTTL),
	}
}

// Name implements component.LifecycleComponent.
func (r *Registry) Name() string { return serviceName }

func (r *Registry) Initialize() error {
	if r.cfg.DSN == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Registry", "Initialize",
			"postgres dsn is required")
	}
	return nil
}

// Start connects the pool and ensures the schema exists.
func (r *Registry) Start(ctx context.Context) error {
	if r.pool != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Registry", "Start", "check lifecycle")
	}

	poolCfg, err := pgxpool.ParseConfig(r.cfg.DSN)
	if err != nil {
		return errors.WrapInvalid(err, "Registry", "Start", "parse postgres dsn")
	}
	if r.cfg.MaxConnections > 0 {
		poolCfg.MaxConns = int32(r.cfg.MaxConnections)
	}

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return errors.WrapTransient(err, "Registry", "Start", "create postgres pool")
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return errors.WrapTransient(err, "Registry", "Start", "ping postgres")
	}
	if _, err := pool.Exec(connectCtx, schema); err != nil {
		pool.Close()
		return errors.WrapTransient(err, "Registry", "Start", "initialize schema")
	}

	r.pool = pool
	r.log.Info("subscription registry started", "max_connections", poolCfg.MaxConns)
	return nil
}

func (r *Registry) Stop(_ time.Duration) error {
	if r.pool == nil {
		return nil
	}
	r.pool.Close()
	r.pool = nil
	r.log.Info("subscription registry stopped")
	return nil
}

// Health implements component.HealthChecker.
func (r *Registry) Health() component.HealthStatus {
	status := component.HealthStatus{LastCheck: time.Now()}
	if r.pool == nil {
		status.LastError = errors.ErrNotStarted.Error()
		return status
	}
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()
	if err := r.pool.Ping(ctx); err != nil {
		status.LastError = "postgres unreachable"
		return status
	}
	status.Healthy = true
	return status
}

// RegisterBot upserts a bot record. Re-registering updates the mutable
// fields, so the operation is idempotent.
func (r *Registry) RegisterBot(ctx context.Context, bot BotRecord) error {
	if bot.BotPubkey == "" || bot.EthAddress == "" || bot.Name == "" {
		return errors.WrapInvalid(
			fmt.Errorf("bot_pubkey, eth_address and name are required"),
			"Registry", "RegisterBot", "validate input")
	}
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO bots (bot_pubkey, nostr_pubkey, eth_address, name) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (bot_pubkey) DO UPDATE
		 SET name = EXCLUDED.name, nostr_pubkey = EXCLUDED.nostr_pubkey, eth_address = EXCLUDED.eth_address`,
		bot.BotPubkey, bot.NostrPubkey, bot.EthAddress, bot.Name)
	if err != nil {
		return errors.WrapTransient(err, "Registry", "RegisterBot", "upsert bot")
	}
	return nil
}

// AddSubscription upserts a follower's subscription to a bot. An
// existing pair gets its shared secret rotated.
func (r *Registry) AddSubscription(ctx context.Context, botPubkey, followerPubkey, sharedSecret string) error {
	if botPubkey == "" || followerPubkey == "" || sharedSecret == "" {
		return errors.WrapInvalid(
			fmt.Errorf("bot_pubkey, follower_pubkey and shared_secret are required"),
			"Registry", "AddSubscription", "validate input")
	}
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO subscriptions (bot_pubkey, follower_pubkey, shared_secret)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (bot_pubkey, follower_pubkey) DO UPDATE
		 SET shared_secret = EXCLUDED.shared_secret`,
		botPubkey, followerPubkey, sharedSecret)
	if err != nil {
		return errors.WrapTransient(err, "Registry", "AddSubscription", "upsert subscription")
	}
	r.cache.invalidate(botPubkey)
	return nil
}

// ListSubscriptions returns every follower of a bot, straight from
// Postgres.
func (r *Registry) ListSubscriptions(ctx context.Context, botPubkey string) ([]Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	rows, err := r.pool.Query(ctx,
		`SELECT follower_pubkey, shared_secret FROM subscriptions WHERE bot_pubkey = $1`,
		botPubkey)
	if err != nil {
		return nil, errors.WrapTransient(err, "Registry", "ListSubscriptions", "query subscriptions")
	}
	defer rows.Close()

	var subs []Subscription
	for rows.Next() {
		var s Subscription
		if err := rows.Scan(&s.FollowerPubkey, &s.SharedSecret); err != nil {
			return nil, errors.WrapTransient(err, "Registry", "ListSubscriptions", "scan row")
		}
		subs = append(subs, s)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapTransient(err, "Registry", "ListSubscriptions", "iterate rows")
	}
	return subs, nil
}

// Followers implements fanout.FollowerSource with the TTL cache in
// front of ListSubscriptions.
func (r *Registry) Followers(ctx context.Context, botPubkey string) ([]fanout.Follower, error) {
	if cached, ok := r.cache.get(botPubkey); ok {
		return cached, nil
	}
	subs, err := r.ListSubscriptions(ctx, botPubkey)
	if err != nil {
		return nil, err
	}
	followers := make([]fanout.Follower, len(subs))
	for i, s := range subs {
		followers[i] = fanout.Follower{Pubkey: s.FollowerPubkey, SharedSecret: s.SharedSecret}
	}
	r.cache.put(botPubkey, followers)
	return followers, nil
}

// FindBotByEthAddress resolves a bot by its agent eth address. A
// missing bot returns ErrNotFound.
func (r *Registry) FindBotByEthAddress(ctx context.Context, ethAddress string) (*BotRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	var bot BotRecord
	err := r.pool.QueryRow(ctx,
		`SELECT bot_pubkey, nostr_pubkey, eth_address, name FROM bots WHERE eth_address = $1`,
		ethAddress).Scan(&bot.BotPubkey, &bot.NostrPubkey, &bot.EthAddress, &bot.Name)
	if err == pgx.ErrNoRows {
		return nil, errors.WrapInvalid(errors.ErrNotFound, "Registry", "FindBotByEthAddress",
			"no bot for eth address")
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "Registry", "FindBotByEthAddress", "query bot")
	}
	return &bot, nil
}

// TouchBot refreshes a bot's last_seen_at.
func (r *Registry) TouchBot(ctx context.Context, botPubkey string) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	_, err := r.pool.Exec(ctx,
		`UPDATE bots SET last_seen_at = now() WHERE bot_pubkey = $1`, botPubkey)
	if err != nil {
		return errors.WrapTransient(err, "Registry", "TouchBot", "update last_seen_at")
	}
	return nil
}

// EnsurePlatformPubkey records the gateway identity in platform_state.
// It returns the previously recorded pubkey and whether the stored
// value changed; the caller broadcasts the rotation notice.
func (r *Registry) EnsurePlatformPubkey(ctx context.Context, pubkey string) (previous string, changed bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	err = r.pool.QueryRow(ctx,
		`SELECT pubkey FROM platform_state WHERE id = 'platform'`).Scan(&previous)
	if err != nil && err != pgx.ErrNoRows {
		return "", false, errors.WrapTransient(err, "Registry", "EnsurePlatformPubkey", "query platform_state")
	}
	if err == nil && previous == pubkey {
		return previous, false, nil
	}

	_, err = r.pool.Exec(ctx,
		`INSERT INTO platform_state (id, pubkey, updated_at) VALUES ('platform', $1, now())
		 ON CONFLICT (id) DO UPDATE SET pubkey = EXCLUDED.pubkey, updated_at = now()`,
		pubkey)
	if err != nil {
		return "", false, errors.WrapTransient(err, "Registry", "EnsurePlatformPubkey", "upsert platform_state")
	}
	return previous, true, nil
}
