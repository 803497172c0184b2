package bootstrap

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"rentalhub/pkg/domain"
	"rentalhub/pkg/events"
	"rentalhub/pkg/notify"
	"rentalhub/services/listing/internal/config"
)

func TestPublisherDrivers(t *testing.T) {
	pub, err := Publisher(config.FileConfig{EventsDriver: "none"}, nil)
	if err != nil {
		t.Fatalf("none driver: %v", err)
	}
	if _, ok := pub.(events.NopPublisher); !ok {
		t.Fatalf("none driver = %T, want NopPublisher", pub)
	}
	if _, err := Publisher(config.FileConfig{EventsDriver: "kafka"}, nil); err == nil {
		t.Fatalf("unknown driver must fail")
	}
	if _, err := Publisher(config.FileConfig{EventsDriver: "redis"}, nil); err == nil {
		t.Fatalf("redis driver without client must fail")
	}
}

func TestRedisAndStreamPublisher(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	client, err := Redis(ctx, config.FileConfig{RedisAddr: mr.Addr()})
	if err != nil {
		t.Fatalf("redis: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	pub, err := Publisher(config.FileConfig{EventsDriver: "redis", EventStream: "test:events"}, client)
	if err != nil {
		t.Fatalf("redis publisher: %v", err)
	}
	msg := events.NewMessage(domain.EventCreated, domain.Listing{ID: 7, OwnerID: 2, Status: domain.StatusPending}, 2, "", nil)
	if err := pub.Publish(ctx, msg); err != nil {
		t.Fatalf("publish: %v", err)
	}
	entries, err := client.XRange(ctx, "test:events", "-", "+").Result()
	if err != nil || len(entries) != 1 {
		t.Fatalf("stream entries = %d, %v", len(entries), err)
	}

	if client, err := Redis(ctx, config.FileConfig{}); err != nil || client != nil {
		t.Fatalf("empty redisAddr = %v, %v; want nil client", client, err)
	}
}

func TestImagesLocalServesMedia(t *testing.T) {
	dir := t.TempDir()
	images, media, err := Images(config.FileConfig{StorageDriver: "local", LocalStoragePath: dir})
	if err != nil {
		t.Fatalf("images: %v", err)
	}
	if media == nil {
		t.Fatalf("local driver must return a media handler")
	}
	png := append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 32)...)
	ref, err := images.Save(context.Background(), "front.png", strings.NewReader(string(png)))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	key := strings.TrimPrefix(ref, "/media/")
	if _, err := os.Stat(filepath.Join(dir, filepath.FromSlash(key))); err != nil {
		t.Fatalf("stored file missing for %q: %v", ref, err)
	}

	rec := httptest.NewRecorder()
	media.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/"+key, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("media status = %d", rec.Code)
	}
}

func TestNotifier(t *testing.T) {
	n, err := Notifier(config.FileConfig{})
	if err != nil {
		t.Fatalf("notifier: %v", err)
	}
	if _, ok := n.(notify.Nop); !ok {
		t.Fatalf("notifier without smtp = %T, want Nop", n)
	}
	n, err = Notifier(config.FileConfig{SMTPHost: "mail.internal", SMTPPort: 2525, SMTPFrom: "noreply@rentalhub.test"})
	if err != nil {
		t.Fatalf("mailer: %v", err)
	}
	if _, ok := n.(*notify.Mailer); !ok {
		t.Fatalf("notifier with smtp = %T, want *Mailer", n)
	}
}

func TestTokensRoundTrip(t *testing.T) {
	issuer, verifier, err := Tokens(config.FileConfig{JWTSecret: "secret", JWTTTL: "1h"})
	if err != nil {
		t.Fatalf("tokens: %v", err)
	}
	token, _, err := issuer.Issue(domain.Principal{ID: 9, Role: domain.RoleAdmin})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	p, err := verifier.VerifyPrincipal(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if p.ID != 9 || p.Role != domain.RoleAdmin {
		t.Fatalf("principal = %+v", p)
	}
	if _, _, err := Tokens(config.FileConfig{JWTSecret: "secret", JWTLeeway: "later"}); err == nil {
		t.Fatalf("bad leeway must fail")
	}
}

func TestNotificationQueue(t *testing.T) {
	q, err := NotificationQueue(config.FileConfig{}, nil)
	if err != nil || q != nil {
		t.Fatalf("disabled queue = %v, %v; want nil", q, err)
	}
	if _, err := NotificationQueue(config.FileConfig{NotifyQueue: true, NotifyStream: "test:mail"}, nil); err == nil {
		t.Fatalf("enabled queue without redis must fail")
	}

	mr := miniredis.RunT(t)
	client, err := Redis(context.Background(), config.FileConfig{RedisAddr: mr.Addr()})
	if err != nil {
		t.Fatalf("redis: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	q, err = NotificationQueue(config.FileConfig{NotifyQueue: true, NotifyStream: "test:mail"}, client)
	if err != nil || q == nil {
		t.Fatalf("enabled queue = %v, %v", q, err)
	}
}
