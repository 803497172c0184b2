// Package bootstrap turns a loaded FileConfig into the concrete stores,
// publishers and token services shared by the listing server and rentalctl.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"rentalhub/internal/usertoken"
	"rentalhub/pkg/events"
	"rentalhub/pkg/notify"
	"rentalhub/pkg/queue"
	"rentalhub/pkg/storage"
	"rentalhub/pkg/store"
	"rentalhub/services/listing/internal/config"
)

const cachePrefix = "rentalhub:listing:cache:"

// Redis returns a client for cfg.RedisAddr, or nil when Redis is not configured.
func Redis(ctx context.Context, cfg config.FileConfig) (redis.UniversalClient, error) {
	if cfg.RedisAddr == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// Store opens the Postgres store and fronts it with the Redis listing cache
// when a client is given. The returned close func releases the database.
func Store(cfg config.FileConfig, client redis.UniversalClient) (store.Store, func() error, error) {
	db, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if client == nil {
		return db, db.Close, nil
	}
	ttl, err := config.ParseDuration(cfg.CacheTTL)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return store.NewCachedStore(db, client, cachePrefix, ttl), db.Close, nil
}

// Images builds the upload store for the configured driver. For the local
// driver it also returns a handler serving the stored files.
func Images(cfg config.FileConfig) (*storage.ImageStore, http.Handler, error) {
	switch cfg.StorageDriver {
	case "minio":
		objects, err := storage.NewMinioStore(storage.MinioConfig{
			Endpoint:   cfg.MinioEndpoint,
			AccessKey:  cfg.MinioAccessKey,
			SecretKey:  cfg.MinioSecretKey,
			Bucket:     cfg.MinioBucket,
			UseSSL:     cfg.MinioUseSSL,
			PublicURL:  cfg.MinioPublicURL,
			ReadPrefix: storage.ImageKeyPrefix,
		})
		if err != nil {
			return nil, nil, err
		}
		return storage.NewImageStore(objects, cfg.AllowedExtensions, cfg.MaxUploadBytes), nil, nil
	default:
		files, err := storage.NewFileStore(cfg.LocalStoragePath, cfg.MediaURL)
		if err != nil {
			return nil, nil, err
		}
		media := http.FileServer(http.Dir(files.BasePath()))
		return storage.NewImageStore(files, cfg.AllowedExtensions, cfg.MaxUploadBytes), media, nil
	}
}

// Publisher connects the configured event bus. The "redis" driver reuses client.
func Publisher(cfg config.FileConfig, client redis.UniversalClient) (events.Publisher, error) {
	switch cfg.EventsDriver {
	case "amqp":
		pub, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return nil, err
		}
		return pub, nil
	case "nats":
		pub, err := events.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubjectPrefix)
		if err != nil {
			return nil, err
		}
		return pub, nil
	case "redis":
		pub, err := events.NewRedisStreamPublisher(client, events.RedisStreamConfig{
			Stream: cfg.EventStream,
			MaxLen: cfg.EventStreamMaxLen,
		})
		if err != nil {
			return nil, fmt.Errorf("events driver redis: %w", err)
		}
		return pub, nil
	case "", "none":
		return events.NopPublisher{}, nil
	default:
		return nil, fmt.Errorf("unknown events driver %q", cfg.EventsDriver)
	}
}

// Notifier returns an SMTP mailer, or a no-op notifier when smtpHost is empty.
func Notifier(cfg config.FileConfig) (notify.Notifier, error) {
	if cfg.SMTPHost == "" {
		slog.Info("moderation e-mails disabled: no smtp host configured")
		return notify.Nop{}, nil
	}
	mailer, err := notify.NewMailer(notify.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
	})
	if err != nil {
		return nil, err
	}
	return mailer, nil
}

// NotificationQueue returns the Redis-backed delivery queue, or nil when
// notifyQueue is off.
func NotificationQueue(cfg config.FileConfig, client redis.UniversalClient) (*queue.RedisJobQueue, error) {
	if !cfg.NotifyQueue {
		return nil, nil
	}
	return queue.NewRedisJobQueue(queue.RedisQueueConfig{
		Client: client,
		Stream: cfg.NotifyStream,
		Group:  "listing-mailer",
	})
}

// Tokens builds the access-token issuer and verifier from the jwt* settings.
func Tokens(cfg config.FileConfig) (*usertoken.Issuer, *usertoken.Verifier, error) {
	ttl, err := config.ParseDuration(cfg.JWTTTL)
	if err != nil {
		return nil, nil, fmt.Errorf("jwtTTL: %w", err)
	}
	leeway, err := config.ParseDuration(cfg.JWTLeeway)
	if err != nil {
		return nil, nil, fmt.Errorf("jwtLeeway: %w", err)
	}
	tc := usertoken.Config{
		Secret:   cfg.JWTSecret,
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		TTL:      ttl,
		Leeway:   leeway,
	}
	issuer, err := usertoken.NewIssuer(tc)
	if err != nil {
		return nil, nil, err
	}
	verifier, err := usertoken.NewVerifier(tc)
	if err != nil {
		return nil, nil, err
	}
	return issuer, verifier, nil
}
