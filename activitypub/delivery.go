package activitypub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/okko/fennica/db"
	"github.com/okko/fennica/domain"
	"github.com/okko/fennica/util"
)

// retrySchedule is the backoff ladder between delivery attempts. Past
// the last rung the item is dropped.
var retrySchedule = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	1 * time.Hour,
	4 * time.Hour,
	24 * time.Hour,
}

const (
	maxDeliveryAttempts = 10
	deliveryBatchSize   = 50
	workerInterval      = 30 * time.Second
)

// Worker drains the delivery queue: it signs each queued activity with
// the sending account's key and POSTs it to the target inbox, backing
// off on failure.
type Worker struct {
	store  *db.DB
	conf   *util.AppConfig
	client *http.Client
}

func NewWorker(store *db.DB, conf *util.AppConfig) *Worker {
	return &Worker{
		store: store,
		conf:  conf,
		client: &http.Client{
			Timeout: time.Duration(conf.Conf.FetchTimeoutSec) * time.Second,
		},
	}
}

// Run processes the queue until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(workerInterval)
	defer ticker.Stop()

	log.Info("Delivery worker started", "interval", workerInterval)
	for {
		select {
		case <-ctx.Done():
			log.Info("Delivery worker stopped")
			return
		case <-ticker.C:
			w.ProcessBatch(ctx)
		}
	}
}

// ProcessBatch attempts every due delivery once.
func (w *Worker) ProcessBatch(ctx context.Context) {
	items, err := w.store.ReadPendingDeliveries(deliveryBatchSize)
	if err != nil {
		log.Error("Failed to read delivery queue", "err", err)
		return
	}

	for i := range items {
		item := &items[i]
		err := w.deliver(ctx, item)
		switch {
		case err == nil:
			if derr := w.store.DeleteDelivery(item.Id); derr != nil {
				log.Error("Failed to dequeue delivered item", "id", item.Id, "err", derr)
			}
		case isPermanent(err):
			log.Warn("Dropping undeliverable item", "inbox", item.InboxURI, "err", err)
			w.store.DeleteDelivery(item.Id)
		default:
			w.scheduleRetry(item, err)
		}
	}
}

func (w *Worker) scheduleRetry(item *domain.DeliveryQueueItem, cause error) {
	attempts := item.Attempts + 1
	if attempts >= maxDeliveryAttempts {
		log.Warn("Giving up on delivery", "inbox", item.InboxURI, "attempts", attempts, "err", cause)
		w.store.DeleteDelivery(item.Id)
		return
	}
	backoff := retrySchedule[len(retrySchedule)-1]
	if attempts-1 < len(retrySchedule) {
		backoff = retrySchedule[attempts-1]
	}
	log.Debug("Delivery failed, retrying", "inbox", item.InboxURI, "attempt", attempts, "in", backoff, "err", cause)
	if err := w.store.UpdateDeliveryAttempt(item.Id, attempts, time.Now().Add(backoff)); err != nil {
		log.Error("Failed to reschedule delivery", "id", item.Id, "err", err)
	}
}

// deliver signs and POSTs one queued activity.
func (w *Worker) deliver(ctx context.Context, item *domain.DeliveryQueueItem) error {
	acc, err := w.senderAccount(item.ActivityJSON)
	if err != nil {
		return permanentError{err}
	}

	privateKey, err := ParsePrivateKey(acc.WebPrivateKey)
	if err != nil {
		return permanentError{err}
	}

	body := []byte(item.ActivityJSON)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, item.InboxURI, bytes.NewReader(body))
	if err != nil {
		return permanentError{err}
	}
	req.Header.Set("Content-Type", ContentType)
	req.Header.Set("User-Agent", util.UserAgent())
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)

	keyId := KeyIRI(w.conf.Conf.Domain, acc.Username)
	if err := SignRequest(req, body, privateKey, keyId); err != nil {
		return permanentError{err}
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFetch, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusGone:
		// The inbox owner is gone; retrying cannot succeed.
		return permanentError{fmt.Errorf("inbox gone: %s", item.InboxURI)}
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return permanentError{fmt.Errorf("inbox rejected delivery with status %d", resp.StatusCode)}
	default:
		return fmt.Errorf("%w: inbox returned status %d", ErrFetch, resp.StatusCode)
	}
}

// senderAccount maps the activity's actor IRI back to the local
// account whose key signs the request.
func (w *Worker) senderAccount(activityJSON string) (*domain.Account, error) {
	var act struct {
		Actor string `json:"actor"`
	}
	if err := json.Unmarshal([]byte(activityJSON), &act); err != nil {
		return nil, fmt.Errorf("%w: queued activity unparseable: %v", ErrMalformed, err)
	}
	prefix := fmt.Sprintf("https://%s/users/", w.conf.Conf.Domain)
	if !strings.HasPrefix(act.Actor, prefix) {
		return nil, fmt.Errorf("%w: queued activity has non-local actor %q", ErrMalformed, act.Actor)
	}
	return w.store.ReadAccByUsername(strings.TrimPrefix(act.Actor, prefix))
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

func isPermanent(err error) bool {
	_, ok := err.(permanentError)
	return ok
}
