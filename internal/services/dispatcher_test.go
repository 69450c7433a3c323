package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tbourn/go-tg-dispatcher/internal/domain"
	"github.com/tbourn/go-tg-dispatcher/internal/gateway"
	"github.com/tbourn/go-tg-dispatcher/internal/repo"
)

func countReq() domain.Context {
	return domain.Single(map[string]any{"count": 3})
}

func TestDispatch_SingleUserSent(t *testing.T) {
	f := newFixture(t)
	f.template(t, "late_notice", "uz", "salom, {count}")
	f.bind(t, 7, 700, "uz")
	before := testutil.ToFloat64(dispatchOutcomes.WithLabelValues(outcomeSent))

	sum, err := f.d.Dispatch(context.Background(), domain.DispatchRequest{
		UserIDs: []int64{7}, Type: "reminder", TemplateKey: "late_notice", Context: countReq(),
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if sum.Status != SummaryDone || !sameIDs(sum.Sent, []int64{7}) || len(sum.Failed)+len(sum.NoChat)+len(sum.RetryScheduledFor) != 0 {
		t.Fatalf("unexpected summary: %+v", sum)
	}

	calls := f.relay.calls()
	if len(calls) != 1 || len(calls[0]) != 1 {
		t.Fatalf("expected one batch of one message, got %+v", calls)
	}
	if m := calls[0][0]; m.TgID != 700 || m.Message != "salom, 3" || m.Type != "reminder" {
		t.Fatalf("unexpected message: %+v", m)
	}

	rec := f.record(t, domain.Fingerprint(7, "late_notice", countReq()))
	if rec.Status != domain.StatusSent || rec.Attempts != 1 || rec.ChatID != 700 {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.SentAt == nil || !rec.SentAt.Equal(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected sent_at: %v", rec.SentAt)
	}
	p, err := rec.DecodePayload()
	if err != nil || p.Text != "salom, 3" || p.Type != "reminder" {
		t.Fatalf("unexpected payload: %+v err=%v", p, err)
	}
	if got := testutil.ToFloat64(dispatchOutcomes.WithLabelValues(outcomeSent)); got != before+1 {
		t.Fatalf("sent counter: got %v want %v", got, before+1)
	}
}

func TestDispatch_NoActiveChat(t *testing.T) {
	f := newFixture(t)
	f.template(t, "late_notice", "uz", "salom, {count}")

	sum, err := f.d.Dispatch(context.Background(), domain.DispatchRequest{
		UserIDs: []int64{9}, TemplateKey: "late_notice", Context: countReq(),
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !sameIDs(sum.NoChat, []int64{9}) || len(sum.Sent) != 0 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	if n := len(f.relay.calls()); n != 0 {
		t.Fatalf("expected no gateway call, got %d", n)
	}

	rec := f.record(t, domain.Fingerprint(9, "late_notice", countReq()))
	if rec.Status != domain.StatusFailed || rec.Error != NoActiveChatReason || rec.Attempts != 1 || rec.ChatID != 0 {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestDispatch_BlockedDeactivatesBinding(t *testing.T) {
	f := newFixture(t)
	f.template(t, "late_notice", "uz", "salom, {count}")
	f.bind(t, 7, 700, "uz")
	f.relay.setReply(func([]gateway.Message) (int, string) {
		return http.StatusForbidden, `{"ok":false,"description":"Forbidden: bot was blocked by the user"}`
	})
	req := domain.DispatchRequest{UserIDs: []int64{7}, TemplateKey: "late_notice", Context: countReq()}

	sum, err := f.d.Dispatch(context.Background(), req)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !sameIDs(sum.Failed, []int64{7}) {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	rec := f.record(t, domain.Fingerprint(7, "late_notice", countReq()))
	if rec.Status != domain.StatusFailed || !strings.Contains(rec.Error, "blocked") {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if _, err := repo.GetActiveBinding(context.Background(), f.db, 7); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("binding still active: %v", err)
	}

	again, err := f.d.Dispatch(context.Background(), req)
	if err != nil {
		t.Fatalf("second Dispatch: %v", err)
	}
	if !sameIDs(again.NoChat, []int64{7}) {
		t.Fatalf("expected no_chat on second dispatch, got %+v", again)
	}
	if n := len(f.relay.calls()); n != 1 {
		t.Fatalf("expected a single gateway call, got %d", n)
	}
}

func TestDispatch_RateLimitedReschedulesAndReusesRecord(t *testing.T) {
	f := newFixture(t)
	f.template(t, "late_notice", "uz", "salom, {count}")
	f.bind(t, 10, 1000, "uz")
	f.bind(t, 11, 1100, "uz")
	f.relay.setReply(func([]gateway.Message) (int, string) {
		return http.StatusTooManyRequests, `{"ok":false,"parameters":{"retry_after":5},"results":[{"ok":false},{"ok":true}]}`
	})

	sum, err := f.d.Dispatch(context.Background(), domain.DispatchRequest{
		UserIDs: []int64{10, 11}, Type: "reminder", TemplateKey: "late_notice", Context: countReq(),
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !sameIDs(sum.RetryScheduledFor, []int64{10}) || !sameIDs(sum.Sent, []int64{11}) {
		t.Fatalf("unexpected summary: %+v", sum)
	}

	fp := domain.Fingerprint(10, "late_notice", countReq())
	if len(f.sched.reqs) != 1 {
		t.Fatalf("expected one rescheduled request, got %d", len(f.sched.reqs))
	}
	retry := f.sched.reqs[0]
	if f.sched.delays[0] != 6*time.Second {
		t.Fatalf("delay: got %v want 6s", f.sched.delays[0])
	}
	if retry.IdemKey != fp || !sameIDs(retry.UserIDs, []int64{10}) || retry.Type != "reminder" {
		t.Fatalf("unexpected retry request: %+v", retry)
	}
	if rec := f.record(t, fp); rec.Status != domain.StatusPending || rec.Attempts != 1 {
		t.Fatalf("rate-limited record: %+v", rec)
	}

	f.relay.setReply(okReply)
	sum, err = f.d.Dispatch(context.Background(), retry)
	if err != nil {
		t.Fatalf("retry Dispatch: %v", err)
	}
	if !sameIDs(sum.Sent, []int64{10}) {
		t.Fatalf("unexpected retry summary: %+v", sum)
	}
	rec := f.record(t, fp)
	if rec.Status != domain.StatusSent || rec.Attempts != 2 {
		t.Fatalf("expected same record sent after two attempts, got %+v", rec)
	}

	var n int64
	f.db.Model(&domain.Notification{}).Where("user_id = ?", 10).Count(&n)
	if n != 1 {
		t.Fatalf("expected one record for user 10, got %d", n)
	}
}

func TestDispatch_ConcurrentDuplicatesDeliverOnce(t *testing.T) {
	f := newFixture(t)
	f.template(t, "late_notice", "uz", "salom, {count}")
	f.bind(t, 7, 700, "uz")
	req := domain.DispatchRequest{UserIDs: []int64{7}, TemplateKey: "late_notice", Context: countReq()}

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.d.Dispatch(context.Background(), req)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
	}

	var recs []domain.Notification
	f.db.Where("user_id = ?", 7).Find(&recs)
	if len(recs) != 1 {
		t.Fatalf("expected one record, got %d", len(recs))
	}
	if recs[0].Status != domain.StatusSent || recs[0].Attempts < 1 || recs[0].Attempts > 2 {
		t.Fatalf("unexpected record: %+v", recs[0])
	}
	calls := len(f.relay.calls())
	if calls < 1 || calls > 2 {
		t.Fatalf("expected 1 or 2 gateway calls, got %d", calls)
	}

	sum, err := f.d.Dispatch(context.Background(), req)
	if err != nil || !sameIDs(sum.Sent, []int64{7}) {
		t.Fatalf("repeat dispatch: %+v err=%v", sum, err)
	}
	if got := len(f.relay.calls()); got != calls {
		t.Fatalf("repeat dispatch reached the gateway: %d calls", got)
	}

	svc := &NotificationService{DB: f.db, Scheduler: f.sched}
	if _, err := svc.Replay(context.Background(), recs[0].Fingerprint); !errors.Is(err, ErrAlreadySent) {
		t.Fatalf("expected ErrAlreadySent, got %v", err)
	}
	if len(f.sched.reqs) != 0 {
		t.Fatalf("replay of sent record was scheduled")
	}
}

func TestDispatch_PerRecipientContextKeepsOrder(t *testing.T) {
	f := newFixture(t)
	f.template(t, "greet", "uz", "hi {name}")
	f.bind(t, 1, 100, "uz")
	f.bind(t, 2, 200, "uz")
	ctx := domain.PerRecipient([]map[string]any{{"name": "a"}, {"name": "b"}})

	sum, err := f.d.Dispatch(context.Background(), domain.DispatchRequest{
		UserIDs: []int64{1, 2}, TemplateKey: "greet", Context: ctx,
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !sameIDs(sum.Sent, []int64{1, 2}) {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	calls := f.relay.calls()
	if len(calls) != 1 || len(calls[0]) != 2 {
		t.Fatalf("expected one batch of two, got %+v", calls)
	}
	if calls[0][0].Message != "hi a" || calls[0][0].TgID != 100 || calls[0][1].Message != "hi b" || calls[0][1].TgID != 200 {
		t.Fatalf("unexpected batch: %+v", calls[0])
	}
}

func TestDispatch_EmptyInput(t *testing.T) {
	f := newFixture(t)
	sum, err := f.d.Dispatch(context.Background(), domain.DispatchRequest{TemplateKey: "late_notice"})
	if err != nil || sum.Status != SummaryEmptyInput {
		t.Fatalf("got %+v err=%v", sum, err)
	}
	if len(f.relay.calls()) != 0 {
		t.Fatalf("gateway called for empty input")
	}
}

func TestDispatch_DuplicateUserIDsCollapse(t *testing.T) {
	f := newFixture(t)
	f.template(t, "late_notice", "uz", "salom, {count}")
	f.bind(t, 7, 700, "uz")

	sum, err := f.d.Dispatch(context.Background(), domain.DispatchRequest{
		UserIDs: []int64{7, 7}, TemplateKey: "late_notice", Context: countReq(),
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !sameIDs(sum.Sent, []int64{7}) {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	if calls := f.relay.calls(); len(calls) != 1 || len(calls[0]) != 1 {
		t.Fatalf("expected a single message, got %+v", calls)
	}
}

func TestDispatch_MissingTemplateSendsEmptyText(t *testing.T) {
	f := newFixture(t)
	f.bind(t, 7, 700, "uz")

	sum, err := f.d.Dispatch(context.Background(), domain.DispatchRequest{
		UserIDs: []int64{7}, TemplateKey: "unknown", Context: countReq(),
	})
	if err != nil || !sameIDs(sum.Sent, []int64{7}) {
		t.Fatalf("got %+v err=%v", sum, err)
	}
	if calls := f.relay.calls(); len(calls) != 1 || calls[0][0].Message != "" {
		t.Fatalf("expected empty message, got %+v", calls)
	}
}

func TestDispatch_UsesBindingLanguage(t *testing.T) {
	f := newFixture(t)
	f.template(t, "late_notice", "uz", "salom, {count}")
	f.template(t, "late_notice", "ru", "privet, {count}")
	f.bind(t, 7, 700, "ru-RU")

	if _, err := f.d.Dispatch(context.Background(), domain.DispatchRequest{
		UserIDs: []int64{7}, TemplateKey: "late_notice", Context: countReq(),
	}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if calls := f.relay.calls(); len(calls) != 1 || calls[0][0].Message != "privet, 3" {
		t.Fatalf("expected russian text, got %+v", calls)
	}
}

func TestDispatch_FailureClasses(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		body      string
		wantError string
	}{
		{"bad request", http.StatusBadRequest, `{"ok":false,"description":"Bad Request: chat not found"}`, "Bad Request: chat not found"},
		{"server error", http.StatusInternalServerError, `{"ok":false,"message":"upstream down"}`, "upstream down"},
		{"rate limited without retry_after", http.StatusTooManyRequests, `{"ok":false,"description":"Too Many Requests"}`, "Too Many Requests"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.template(t, "late_notice", "uz", "salom, {count}")
			f.bind(t, 7, 700, "uz")
			f.relay.setReply(func([]gateway.Message) (int, string) { return tc.status, tc.body })

			sum, err := f.d.Dispatch(context.Background(), domain.DispatchRequest{
				UserIDs: []int64{7}, TemplateKey: "late_notice", Context: countReq(),
			})
			if err != nil || !sameIDs(sum.Failed, []int64{7}) {
				t.Fatalf("got %+v err=%v", sum, err)
			}
			rec := f.record(t, domain.Fingerprint(7, "late_notice", countReq()))
			if rec.Status != domain.StatusFailed || rec.Error != tc.wantError {
				t.Fatalf("unexpected record: %+v", rec)
			}
			if _, err := repo.GetActiveBinding(context.Background(), f.db, 7); err != nil {
				t.Fatalf("binding must stay active: %v", err)
			}
			if len(f.sched.reqs) != 0 {
				t.Fatalf("unexpected reschedule")
			}
		})
	}
}

func TestDispatch_NetworkFailure(t *testing.T) {
	f := newFixture(t)
	f.template(t, "late_notice", "uz", "salom, {count}")
	f.bind(t, 7, 700, "uz")
	f.d.Gateway = gateway.New(gateway.Config{BaseURL: "http://127.0.0.1:1", Secret: "s", Timeout: time.Second})

	sum, err := f.d.Dispatch(context.Background(), domain.DispatchRequest{
		UserIDs: []int64{7}, TemplateKey: "late_notice", Context: countReq(),
	})
	if err != nil || !sameIDs(sum.Failed, []int64{7}) {
		t.Fatalf("got %+v err=%v", sum, err)
	}
	rec := f.record(t, domain.Fingerprint(7, "late_notice", countReq()))
	if rec.Status != domain.StatusFailed || rec.Error == "" || rec.Attempts != 1 {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestDispatch_RescheduleFailureMarksFailed(t *testing.T) {
	f := newFixture(t)
	f.template(t, "late_notice", "uz", "salom, {count}")
	f.bind(t, 7, 700, "uz")
	f.sched.failErr = errors.New("redis unavailable")
	f.relay.setReply(func([]gateway.Message) (int, string) {
		return http.StatusTooManyRequests, `{"ok":false,"parameters":{"retry_after":2.5}}`
	})

	sum, err := f.d.Dispatch(context.Background(), domain.DispatchRequest{
		UserIDs: []int64{7}, TemplateKey: "late_notice", Context: countReq(),
	})
	if err != nil || !sameIDs(sum.Failed, []int64{7}) {
		t.Fatalf("got %+v err=%v", sum, err)
	}
	rec := f.record(t, domain.Fingerprint(7, "late_notice", countReq()))
	if rec.Status != domain.StatusFailed || rec.Error != "reschedule failed: redis unavailable" {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestDispatch_ExternalIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	f.template(t, "late_notice", "uz", "salom, {count}")
	f.bind(t, 7, 700, "uz")
	f.bind(t, 8, 800, "uz")

	if _, err := f.d.Dispatch(context.Background(), domain.DispatchRequest{
		UserIDs: []int64{7}, TemplateKey: "late_notice", Context: countReq(), IdemKey: "order-42",
	}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if rec := f.record(t, "order-42"); rec.UserID != 7 || rec.Status != domain.StatusSent {
		t.Fatalf("unexpected record: %+v", rec)
	}

	if _, err := f.d.Dispatch(context.Background(), domain.DispatchRequest{
		UserIDs: []int64{7, 8}, TemplateKey: "late_notice", Context: countReq(), IdemKey: "batch-1",
	}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	for _, uid := range []int64{7, 8} {
		fp := domain.RecipientKey("batch-1", 2, uid, "late_notice", countReq())
		if rec := f.record(t, fp); rec.UserID != uid {
			t.Fatalf("unexpected record for %d: %+v", uid, rec)
		}
	}
}

// cancellingResolver cancels the dispatch context once it is asked about cancelAt.
type cancellingResolver struct {
	Resolver
	cancelAt int64
	cancel   context.CancelFunc
}

func (r cancellingResolver) Resolve(ctx context.Context, userID int64) (*domain.ChatBinding, error) {
	b, err := r.Resolver.Resolve(ctx, userID)
	if userID == r.cancelAt {
		r.cancel()
	}
	return b, err
}

func TestDispatch_CancelledBeforeSend(t *testing.T) {
	f := newFixture(t)
	f.template(t, "late_notice", "uz", "salom, {count}")
	f.bind(t, 7, 700, "uz")
	f.bind(t, 8, 800, "uz")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.d.Chats = cancellingResolver{Resolver: f.d.Chats, cancelAt: 8, cancel: cancel}

	if _, err := f.d.Dispatch(ctx, domain.DispatchRequest{
		UserIDs: []int64{7, 8}, TemplateKey: "late_notice", Context: countReq(),
	}); err == nil {
		t.Fatalf("expected an error after cancellation")
	}
	if n := len(f.relay.calls()); n != 0 {
		t.Fatalf("gateway reached after cancellation: %d calls", n)
	}
	rec := f.record(t, domain.Fingerprint(7, "late_notice", countReq()))
	if rec.Status != domain.StatusPending || rec.Attempts != 1 {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestHandleDispatch_PropagatesInfrastructureErrors(t *testing.T) {
	f := newFixture(t)
	sqlDB, _ := f.db.DB()
	_ = sqlDB.Close()

	err := f.d.HandleDispatch(context.Background(), domain.DispatchRequest{
		UserIDs: []int64{7}, TemplateKey: "late_notice", Context: countReq(),
	})
	if err == nil {
		t.Fatalf("expected an error from a closed database")
	}
}

func TestSummary_JSON(t *testing.T) {
	f := newFixture(t)
	f.template(t, "late_notice", "uz", "salom, {count}")
	f.bind(t, 7, 700, "uz")

	sum, err := f.d.Dispatch(context.Background(), domain.DispatchRequest{UserIDs: []int64{7}, TemplateKey: "late_notice", Context: countReq()})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	b, err := json.Marshal(sum)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"status":"done","sent":[7],"failed":[],"no_chat":[],"retry_scheduled_for":[]}`
	if string(b) != want {
		t.Fatalf("summary json = %s; want %s", b, want)
	}

	b, _ = json.Marshal(Summary{Status: SummaryEmptyInput})
	if string(b) != `{"status":"empty_input"}` {
		t.Fatalf("empty summary json = %s", b)
	}
	b, _ = json.Marshal(Summary{Status: SummaryDone})
	if string(b) != `{"status":"done","sent":[],"failed":[],"no_chat":[],"retry_scheduled_for":[]}` {
		t.Fatalf("nil lists json = %s", b)
	}
}
