package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dmailer/internal/deliverylog"
	"dmailer/internal/mail"
	"dmailer/internal/models"
)

type sendCall struct {
	to         string
	subject    string
	body       string
	attachment string
}

type fakeSession struct {
	mu      sync.Mutex
	calls   []sendCall
	sendErr func(to string) error
	closed  bool
}

func (s *fakeSession) Send(to, subject, body, attachmentPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, sendCall{to: to, subject: subject, body: body, attachment: attachmentPath})
	if s.sendErr != nil {
		return s.sendErr(to)
	}
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) sent() []sendCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sendCall(nil), s.calls...)
}

type fakeTransport struct {
	mu         sync.Mutex
	connectErr error
	session    *fakeSession
	started    chan struct{}
	release    chan struct{}
	connects   int
}

func (f *fakeTransport) Connect(models.SenderIdentity) (mail.Session, error) {
	f.mu.Lock()
	f.connects++
	started := f.started
	f.started = nil
	f.mu.Unlock()

	if started != nil {
		close(started)
	}
	if f.release != nil {
		<-f.release
	}
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	return f.session, nil
}

func newTestEngine(t *testing.T, transport mail.Transport) (*Engine, *deliverylog.Log) {
	t.Helper()
	log := deliverylog.New(filepath.Join(t.TempDir(), "sent_log.csv"))
	return New(transport, log, zap.NewNop()), log
}

func recipient(name, email, company string) models.Recipient {
	return models.Recipient{Fields: map[string]string{
		"name":    name,
		"email":   email,
		"company": company,
	}}
}

func testJob(recipients ...models.Recipient) models.Job {
	return models.Job{
		Columns:         []string{"name", "email", "company"},
		Recipients:      recipients,
		SubjectTemplate: "Hello {name}",
		BodyTemplate:    "Dear {name} at {company}, regards {your_name}",
		Sender:          models.SenderIdentity{Name: "Grace", Email: "grace@example.com"},
	}
}

func TestAllRecipientsSent(t *testing.T) {
	session := &fakeSession{}
	engine, log := newTestEngine(t, &fakeTransport{session: session})

	job := testJob(
		recipient("A", "a@x.com", "X"),
		recipient("B", "b@x.com", "Y"),
	)

	require.NoError(t, engine.Start(context.Background(), job))
	engine.Wait()

	assert.Equal(t, models.StateCompleted, engine.State())

	rows := log.ReadAll()
	require.Len(t, rows, 2)
	for _, row := range rows {
		assert.Equal(t, models.StatusSent, row.Status)
		assert.Empty(t, row.Error)
	}
	assert.Equal(t, "a@x.com", rows[0].Fields["email"])
	assert.Equal(t, "b@x.com", rows[1].Fields["email"])

	calls := session.sent()
	require.Len(t, calls, 2)
	assert.Equal(t, "Hello A", calls[0].subject)
	assert.Equal(t, "Dear A at X, regards Grace", calls[0].body)
	assert.Equal(t, "Hello B", calls[1].subject)

	progress := engine.Progress()
	assert.Equal(t, 2, progress.Total)
	assert.Equal(t, 2, progress.Sent)
	assert.Zero(t, progress.Failed)
}

func TestConnectFailureFansOut(t *testing.T) {
	session := &fakeSession{}
	transport := &fakeTransport{session: session, connectErr: errors.New("535 bad credentials")}
	engine, log := newTestEngine(t, transport)

	job := testJob(
		recipient("A", "a@x.com", "X"),
		recipient("B", "b@x.com", "Y"),
		recipient("C", "c@x.com", "Z"),
	)

	require.NoError(t, engine.Start(context.Background(), job))
	engine.Wait()

	assert.Equal(t, models.StateConnectionFailed, engine.State())
	assert.Empty(t, session.sent(), "no send may be attempted after a connect failure")

	rows := log.ReadAll()
	require.Len(t, rows, 3)
	for _, row := range rows {
		assert.Equal(t, models.StatusFailed, row.Status)
		assert.NotEmpty(t, row.Error)
	}
}

func TestRenderFailureScopedToOneRecipient(t *testing.T) {
	session := &fakeSession{}
	engine, log := newTestEngine(t, &fakeTransport{session: session})

	job := testJob(
		recipient("A", "a@x.com", "X"),
		recipient("B", "b@x.com", "Y"),
		recipient("C", "c@x.com", "Z"),
	)
	job.Columns = append(job.Columns, "role")
	job.BodyTemplate = "You are a {role}"
	job.Recipients[0].Fields["role"] = "cto"
	job.Recipients[2].Fields["role"] = "dev"
	// recipient B has no role column value at all

	require.NoError(t, engine.Start(context.Background(), job))
	engine.Wait()

	rows := log.ReadAll()
	require.Len(t, rows, 3)
	assert.Equal(t, models.StatusSent, rows[0].Status)
	assert.Equal(t, models.StatusFailed, rows[1].Status)
	assert.Contains(t, rows[1].Error, "role")
	assert.Equal(t, models.StatusSent, rows[2].Status)

	calls := session.sent()
	require.Len(t, calls, 2)
	assert.Equal(t, "a@x.com", calls[0].to)
	assert.Equal(t, "c@x.com", calls[1].to)
}

func TestSendFailureScopedToOneRecipient(t *testing.T) {
	session := &fakeSession{
		sendErr: func(to string) error {
			if to == "b@x.com" {
				return errors.New("550 mailbox unavailable")
			}
			return nil
		},
	}
	engine, log := newTestEngine(t, &fakeTransport{session: session})

	job := testJob(
		recipient("A", "a@x.com", "X"),
		recipient("B", "b@x.com", "Y"),
		recipient("C", "c@x.com", "Z"),
	)

	require.NoError(t, engine.Start(context.Background(), job))
	engine.Wait()

	rows := log.ReadAll()
	require.Len(t, rows, 3)
	assert.Equal(t, models.StatusSent, rows[0].Status)
	assert.Equal(t, models.StatusFailed, rows[1].Status)
	assert.Contains(t, rows[1].Error, "550")
	assert.Equal(t, models.StatusSent, rows[2].Status)

	assert.Len(t, session.sent(), 3, "every recipient must still be attempted")

	sent, failed := log.Summarize()
	assert.Equal(t, 2, sent)
	assert.Equal(t, 1, failed)
}

func TestSecondJobRejectedWhileActive(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	transport := &fakeTransport{session: &fakeSession{}, started: started, release: release}
	engine, _ := newTestEngine(t, transport)

	first := testJob(recipient("A", "a@x.com", "X"))
	require.NoError(t, engine.Start(context.Background(), first))

	<-started
	err := engine.Start(context.Background(), testJob(recipient("B", "b@x.com", "Y")))
	assert.ErrorIs(t, err, ErrJobActive)

	close(release)
	engine.Wait()

	// once the first job finished a new one is accepted
	require.NoError(t, engine.Start(context.Background(), testJob(recipient("C", "c@x.com", "Z"))))
	engine.Wait()
}

func TestSenderFieldsWinCollisions(t *testing.T) {
	session := &fakeSession{}
	engine, _ := newTestEngine(t, &fakeTransport{session: session})

	r := recipient("A", "a@x.com", "X")
	r.Fields["your_name"] = "Impostor"

	job := testJob(r)
	job.Columns = append(job.Columns, "your_name")
	job.SubjectTemplate = "From {your_name}"

	require.NoError(t, engine.Start(context.Background(), job))
	engine.Wait()

	calls := session.sent()
	require.Len(t, calls, 1)
	assert.Equal(t, "From Grace", calls[0].subject)
}

func TestScheduledInPastStartsImmediately(t *testing.T) {
	session := &fakeSession{}
	engine, log := newTestEngine(t, &fakeTransport{session: session})

	job := testJob(recipient("A", "a@x.com", "X"), recipient("B", "b@x.com", "Y"))
	job.ScheduledAt = time.Now().Add(-time.Hour)

	start := time.Now()
	require.NoError(t, engine.Start(context.Background(), job))
	engine.Wait()

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Len(t, log.ReadAll(), 2)
}

func TestCancellationStopsJob(t *testing.T) {
	session := &fakeSession{}
	engine, _ := newTestEngine(t, &fakeTransport{session: session})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	job := testJob(recipient("A", "a@x.com", "X"))
	job.ScheduledAt = time.Now().Add(time.Hour)

	require.NoError(t, engine.Start(ctx, job))
	engine.Wait()

	assert.Empty(t, session.sent())
	assert.NotEqual(t, models.StateCompleted, engine.State())
}

func TestProgressBeforeAnyJob(t *testing.T) {
	engine, _ := newTestEngine(t, &fakeTransport{session: &fakeSession{}})

	assert.Equal(t, models.StateIdle, engine.State())

	progress := engine.Progress()
	assert.Zero(t, progress.Total)
	assert.Zero(t, progress.Sent)
	assert.Zero(t, progress.Failed)
	assert.Empty(t, progress.Logs)
}
