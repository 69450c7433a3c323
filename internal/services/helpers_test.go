package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-tg-dispatcher/internal/cache"
	"github.com/tbourn/go-tg-dispatcher/internal/domain"
	"github.com/tbourn/go-tg-dispatcher/internal/gateway"
	"github.com/tbourn/go-tg-dispatcher/internal/queue"
	"github.com/tbourn/go-tg-dispatcher/internal/repo"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db.DB(): %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

// relay is a scripted gateway server.
type relay struct {
	mu      sync.Mutex
	batches [][]gateway.Message
	reply   func(msgs []gateway.Message) (int, string)
	srv     *httptest.Server
}

func newRelay(t *testing.T, reply func(msgs []gateway.Message) (int, string)) *relay {
	t.Helper()
	r := &relay{reply: reply}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		var in struct {
			Messages []gateway.Message `json:"messages"`
		}
		_ = json.Unmarshal(body, &in)

		r.mu.Lock()
		r.batches = append(r.batches, in.Messages)
		fn := r.reply
		r.mu.Unlock()

		status, out := fn(in.Messages)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, out)
	}))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *relay) setReply(fn func(msgs []gateway.Message) (int, string)) {
	r.mu.Lock()
	r.reply = fn
	r.mu.Unlock()
}

func (r *relay) calls() [][]gateway.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]gateway.Message, len(r.batches))
	copy(out, r.batches)
	return out
}

func okReply(_ []gateway.Message) (int, string) { return http.StatusOK, `{"ok":true}` }

// fakeScheduler records delayed requests.
type fakeScheduler struct {
	mu      sync.Mutex
	reqs    []domain.DispatchRequest
	delays  []time.Duration
	failErr error
}

func (s *fakeScheduler) Enqueue(ctx context.Context, req domain.DispatchRequest) (queue.TaskInfo, error) {
	return s.EnqueueIn(ctx, req, 0)
}

func (s *fakeScheduler) EnqueueIn(_ context.Context, req domain.DispatchRequest, delay time.Duration) (queue.TaskInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return queue.TaskInfo{}, s.failErr
	}
	s.reqs = append(s.reqs, req)
	s.delays = append(s.delays, delay)
	return queue.TaskInfo{ID: fmt.Sprintf("t%d", len(s.reqs)), Queue: "test"}, nil
}

type fixture struct {
	db    *gorm.DB
	relay *relay
	sched *fakeScheduler
	d     *Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := newTestDB(t)
	rl := newRelay(t, okReply)
	sched := &fakeScheduler{}
	d := &Dispatcher{
		DB:        db,
		Templates: &TemplateService{DB: db, Cache: cache.NewMemory(time.Minute, time.Minute), TTL: time.Minute},
		Chats:     &ChatResolver{DB: db},
		Gateway:   gateway.New(gateway.Config{BaseURL: rl.srv.URL, Secret: "test-secret", Timeout: 2 * time.Second}),
		Scheduler: sched,
		Now:       func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) },
		Jitter:    func() int { return 1 },
	}
	return &fixture{db: db, relay: rl, sched: sched, d: d}
}

func (f *fixture) template(t *testing.T, key, lang, body string) {
	t.Helper()
	if _, err := repo.UpsertTemplate(context.Background(), f.db, key, lang, body, true); err != nil {
		t.Fatalf("seed template: %v", err)
	}
}

func (f *fixture) bind(t *testing.T, userID, chatID int64, lang string) {
	t.Helper()
	if _, err := repo.LinkBinding(context.Background(), f.db, domain.ChatBinding{UserID: userID, ChatID: chatID, Language: lang}); err != nil {
		t.Fatalf("seed binding: %v", err)
	}
}

func (f *fixture) record(t *testing.T, fp string) *domain.Notification {
	t.Helper()
	n, err := repo.GetNotification(context.Background(), f.db, fp)
	if err != nil {
		t.Fatalf("GetNotification(%s): %v", fp, err)
	}
	return n
}

func sameIDs(got, want []int64) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}
