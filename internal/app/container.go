// Package app owns the process-wide singletons: the warehouse pool, the
// credential manager and the query layer, plus the stores and clients built
// on them. Each is created on first use under a sync.Once and released by
// Close. Binaries build a Container from config and hand explicit
// dependencies to everything else.
package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/And03-11/animal-rescue-dashboard/internal/airtable"
	"github.com/And03-11/animal-rescue-dashboard/internal/config"
	"github.com/And03-11/animal-rescue-dashboard/internal/credentials"
	"github.com/And03-11/animal-rescue-dashboard/internal/maillookup"
	"github.com/And03-11/animal-rescue-dashboard/internal/pkg/apperr"
	"github.com/And03-11/animal-rescue-dashboard/internal/pkg/distlock"
	"github.com/And03-11/animal-rescue-dashboard/internal/pkg/logger"
	"github.com/And03-11/animal-rescue-dashboard/internal/query"
	"github.com/And03-11/animal-rescue-dashboard/internal/repository/filestore"
	"github.com/And03-11/animal-rescue-dashboard/internal/repository/postgres"
	"github.com/And03-11/animal-rescue-dashboard/internal/sender"
	"github.com/And03-11/animal-rescue-dashboard/internal/share"
	"github.com/And03-11/animal-rescue-dashboard/internal/syncer"
	"github.com/And03-11/animal-rescue-dashboard/internal/warehouse"
	"github.com/redis/go-redis/v9"
)

// Container lazily builds shared components. It is safe for concurrent use.
type Container struct {
	cfg *config.Config
	loc *time.Location
	log *logger.Logger

	whOnce sync.Once
	wh     *warehouse.Gateway
	whErr  error

	redisOnce sync.Once
	redis     *redis.Client
	redisErr  error

	sorOnce sync.Once
	sor     *airtable.Client

	credsOnce sync.Once
	creds     *credentials.Manager

	queryOnce sync.Once
	query     *query.Service
	queryErr  error

	s3Once sync.Once
	s3     *sender.S3Blobs
	s3Err  error

	workerOnce sync.Once
	worker     *sender.Worker
	workerErr  error

	shareOnce sync.Once
	share     *share.Service
	shareErr  error

	searchOnce sync.Once
	searcher   *maillookup.Searcher
}

// New validates cfg and returns an empty container.
func New(cfg *config.Config) (*Container, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	loc, err := cfg.Display.Location()
	if err != nil {
		return nil, err
	}
	return &Container{cfg: cfg, loc: loc, log: logger.With("component", "app")}, nil
}

// Config returns the configuration the container was built from.
func (c *Container) Config() *config.Config { return c.cfg }

// Location is the display timezone.
func (c *Container) Location() *time.Location { return c.loc }

// Warehouse returns the pooled gateway, or nil when no warehouse is
// configured.
func (c *Container) Warehouse(ctx context.Context) (*warehouse.Gateway, error) {
	c.whOnce.Do(func() {
		if !c.cfg.Warehouse.Enabled() {
			c.log.Info("no warehouse configured, running SOR-only with file-based campaigns")
			return
		}
		c.wh, c.whErr = warehouse.Open(ctx, warehouse.Config{
			DatabaseURL:  c.cfg.Warehouse.DatabaseURL,
			MaxOpenConns: c.cfg.Warehouse.MaxOpenConns,
			MinIdleConns: c.cfg.Warehouse.MinIdleConns,
			Timeout:      c.cfg.Warehouse.Timeout(),
		})
		if c.whErr == nil {
			c.log.Info("warehouse connected", "max_open_conns", c.cfg.Warehouse.MaxOpenConns)
		}
	})
	return c.wh, c.whErr
}

// Redis returns the client, or nil when REDIS_URL is unset or the server
// does not answer at startup. Only a malformed URL is an error.
func (c *Container) Redis(ctx context.Context) (*redis.Client, error) {
	c.redisOnce.Do(func() {
		if c.cfg.Redis.URL == "" {
			return
		}
		opts, err := redis.ParseURL(c.cfg.Redis.URL)
		if err != nil {
			c.redisErr = fmt.Errorf("parse REDIS_URL: %w", apperr.ErrFatal)
			return
		}
		client := redis.NewClient(opts)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			c.log.Warn("redis unreachable, falling back to postgres advisory locks", "error", err)
			return
		}
		c.redis = client
		c.log.Info("redis connected", "addr", opts.Addr)
	})
	return c.redis, c.redisErr
}

// SOR returns the Airtable client, or nil when it is not configured.
func (c *Container) SOR() *airtable.Client {
	c.sorOnce.Do(func() {
		if !c.cfg.Airtable.Enabled() {
			c.log.Warn("AIRTABLE_API_KEY/AIRTABLE_BASE_ID not set, no system-of-record fallback")
			return
		}
		c.sor = airtable.NewClient(airtable.Config{
			APIKey:  c.cfg.Airtable.APIKey,
			BaseID:  c.cfg.Airtable.BaseID,
			BaseURL: c.cfg.Airtable.BaseURL,
			Timeout: c.cfg.Airtable.Timeout(),
		})
	})
	return c.sor
}

// Locks returns a lock factory on the best backend available: Redis, then
// Postgres advisory locks, then in-process no-ops.
func (c *Container) Locks(ctx context.Context) (distlock.Factory, error) {
	rc, err := c.Redis(ctx)
	if err != nil {
		return nil, err
	}
	wh, err := c.Warehouse(ctx)
	if err != nil {
		return nil, err
	}
	if wh != nil {
		return distlock.NewFactory(rc, wh.DB()), nil
	}
	return distlock.NewFactory(rc, nil), nil
}

// Query returns the federated read service: warehouse first, SOR second.
func (c *Container) Query(ctx context.Context) (*query.Service, error) {
	c.queryOnce.Do(func() {
		wh, err := c.Warehouse(ctx)
		if err != nil {
			c.queryErr = err
			return
		}
		var primary, fallback query.Backend
		if wh != nil {
			primary = query.NewWarehouseBackend(wh, c.loc.String())
		}
		if sor := c.SOR(); sor != nil {
			fallback = query.NewSORBackend(sor, c.loc)
		}
		if primary == nil && fallback == nil {
			c.log.Error("neither warehouse nor system of record configured, every read will fail")
		}
		c.query = query.NewService(primary, fallback, c.loc)
	})
	return c.query, c.queryErr
}

// Credentials returns the sender identity manager.
func (c *Container) Credentials() *credentials.Manager {
	c.credsOnce.Do(func() {
		c.creds = credentials.NewManager(credentials.Options{
			Root:         c.cfg.Senders.CredentialsRoot,
			TokenDir:     c.cfg.Senders.TokenDir,
			GmailBaseURL: c.cfg.Senders.GmailAPIBaseURL,
		})
	})
	return c.creds
}

// TargetsBucket returns the S3 opener for recipient artifacts, or nil when
// no bucket is configured.
func (c *Container) TargetsBucket(ctx context.Context) (*sender.S3Blobs, error) {
	c.s3Once.Do(func() {
		st := c.cfg.Storage
		if st.TargetsBucket == "" {
			return
		}
		c.s3, c.s3Err = sender.NewS3Blobs(ctx, sender.S3Config{
			Bucket:    st.TargetsBucket,
			Region:    st.AWSRegion,
			Profile:   st.AWSProfile,
			AccessKey: st.AccessKey,
			SecretKey: st.SecretKey,
		})
	})
	return c.s3, c.s3Err
}

// CampaignStore picks Postgres, or the file store in file mode.
func (c *Container) CampaignStore(ctx context.Context) (sender.CampaignStore, error) {
	wh, err := c.Warehouse(ctx)
	if err != nil {
		return nil, err
	}
	if c.cfg.Senders.FileMode || wh == nil {
		return filestore.NewCampaignStore(c.cfg.Senders.CampaignDataDir, c.cfg.Senders.SentLogDir), nil
	}
	return postgres.NewCampaignStore(wh.DB()), nil
}

// Worker returns the sender worker.
func (c *Container) Worker(ctx context.Context) (*sender.Worker, error) {
	c.workerOnce.Do(func() {
		c.worker, c.workerErr = c.buildWorker(ctx)
	})
	return c.worker, c.workerErr
}

func (c *Container) buildWorker(ctx context.Context) (*sender.Worker, error) {
	store, err := c.CampaignStore(ctx)
	if err != nil {
		return nil, err
	}
	s3, err := c.TargetsBucket(ctx)
	if err != nil {
		return nil, err
	}
	wh, err := c.Warehouse(ctx)
	if err != nil {
		return nil, err
	}
	locks, err := c.Locks(ctx)
	if err != nil {
		return nil, err
	}

	var donors sender.DonorFinder
	switch {
	case wh != nil:
		donors = sender.NewWarehouseDonors(wh)
	case c.SOR() != nil:
		donors = sender.NewSORDonors(c.SOR())
	}
	recipients := sender.NewRecipients(
		sender.Blobs{Local: sender.LocalBlobs{Dir: c.cfg.Senders.TargetsDir}, S3: s3},
		donors,
		c.cfg.Senders.ExcludeTags,
	)

	sc := c.cfg.Senders
	pacer := sender.NewRandomPacer(
		time.Duration(sc.JitterMinMillis)*time.Millisecond,
		time.Duration(sc.JitterMaxMillis)*time.Millisecond,
		time.Duration(sc.PauseMinSeconds)*time.Second,
		time.Duration(sc.PauseMaxSeconds)*time.Second,
	)
	return sender.NewWorker(store, recipients, sender.CredentialPool{Manager: c.Credentials()}, pacer, sender.Options{
		FromName: sc.FromName,
		Locks:    locks,
	}), nil
}

// SyncEngine builds a sync engine. It needs both the warehouse and the SOR.
func (c *Container) SyncEngine(ctx context.Context, bootstrap bool) (*syncer.Engine, error) {
	wh, err := c.Warehouse(ctx)
	if err != nil {
		return nil, err
	}
	sor := c.SOR()
	if wh == nil || sor == nil {
		return nil, fmt.Errorf("sync needs both SUPABASE_DATABASE_URL and Airtable credentials: %w", apperr.ErrFatal)
	}
	chunk := c.cfg.Sync.IncrementalChunk
	if bootstrap {
		chunk = c.cfg.Sync.HistoricalChunk
	}
	return syncer.NewEngine(sor, wh, syncer.NewWatermarkStore(wh), syncer.Options{
		ChunkSize:      chunk,
		Bootstrap:      bootstrap,
		MaxReadRetries: c.cfg.Sync.MaxReadRetries,
		Location:       c.loc,
	}), nil
}

// Shares returns the shared view service. Views live in the warehouse when
// there is one, else in Redis, else on disk next to the campaign files.
func (c *Container) Shares(ctx context.Context) (*share.Service, error) {
	c.shareOnce.Do(func() {
		wh, err := c.Warehouse(ctx)
		if err != nil {
			c.shareErr = err
			return
		}
		var store share.Store
		switch {
		case wh != nil:
			store = postgres.NewSharedViewStore(wh.DB())
		default:
			rc, err := c.Redis(ctx)
			if err != nil {
				c.shareErr = err
				return
			}
			if rc != nil {
				store = share.NewRedisStore(rc)
			} else {
				store = filestore.NewSharedViewStore(filepath.Join(c.cfg.Senders.CampaignDataDir, "shared_views"))
			}
		}
		maxTTL := time.Duration(c.cfg.Redis.ShareMaxTTLHours) * time.Hour
		c.share = share.NewService(store, maxTTL)
	})
	return c.share, c.shareErr
}

// Searcher returns the contact search over every configured mail provider.
func (c *Container) Searcher(ctx context.Context) *maillookup.Searcher {
	c.searchOnce.Do(func() {
		var providers []maillookup.Provider
		if mc := c.cfg.Mailchimp; mc.Enabled() {
			providers = append(providers, maillookup.NewMailchimp(ctx, maillookup.MailchimpConfig{
				APIKey:  mc.APIKey,
				DC:      mc.Datacenter(),
				ListID:  mc.ListID,
				Timeout: mc.Timeout(),
			}))
		}
		if bc := c.cfg.Brevo; bc.Enabled() {
			providers = append(providers, maillookup.NewBrevo(ctx, maillookup.BrevoConfig{
				APIKey:  bc.APIKey,
				BaseURL: bc.BaseURL,
				Timeout: bc.Timeout(),
			}))
		}
		c.searcher = maillookup.NewSearcher(maillookup.DefaultTimeout, providers...)
		c.log.Info("contact search ready", "providers", c.searcher.Providers())
	})
	return c.searcher
}

// Close releases the pool and the Redis client.
func (c *Container) Close() error {
	var errs []error
	if c.wh != nil {
		errs = append(errs, c.wh.Close())
	}
	if c.redis != nil {
		errs = append(errs, c.redis.Close())
	}
	return errors.Join(errs...)
}
