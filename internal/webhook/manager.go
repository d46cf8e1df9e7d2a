package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

func marshalNotification(n Notification) ([]byte, error) { return json.Marshal(n) }

const (
	deliveryTimeout  = 30 * time.Second
	maxRetryDelayMS  = 30_000
	steadyRetryDelay = 60_000 * time.Millisecond
	gcFailureWindow  = 3 * 24 * time.Hour
)

// Manager delivers signed stream-lifecycle notifications to every
// subscription whose pattern matches the affected path, retrying failed
// deliveries with the same exponential-then-steady backoff the teacher's
// webhook manager uses to retry consumer wake callbacks (manager.go
// calculateRetryDelay), generalized from "wake a worker" to "notify an
// external endpoint" (spec §4.3.2's subscriber fan-out, delivered
// out-of-process instead of over a held HTTP connection).
type Manager struct {
	store  *Store
	client *http.Client
	log    *zap.Logger

	mu           sync.Mutex
	shuttingDown bool
}

// NewManager constructs a Manager. log may be nil.
func NewManager(log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		store:  NewStore(),
		client: &http.Client{Timeout: deliveryTimeout},
		log:    log,
	}
}

// Subscribe registers a subscription. id must be unique; re-registering the
// same id with identical pattern/url is idempotent.
func (m *Manager) Subscribe(id, pattern, url string) (*Subscription, error) {
	sub, _, err := m.store.CreateSubscription(id, pattern, url)
	return sub, err
}

// Unsubscribe removes a subscription, returning false if it was not found.
func (m *Manager) Unsubscribe(id string) bool {
	return m.store.DeleteSubscription(id)
}

// Subscriptions lists every registered subscription.
func (m *Manager) Subscriptions() []*Subscription {
	return m.store.ListSubscriptions()
}

// OnAppend notifies subscriptions matching path that new messages arrived.
func (m *Manager) OnAppend(path, offset string) { m.dispatch(path, Notification{Event: EventAppend, Path: path, Offset: offset, Timestamp: time.Now()}) }

// OnClosed notifies subscriptions matching path that the stream closed.
func (m *Manager) OnClosed(path, offset string) { m.dispatch(path, Notification{Event: EventClosed, Path: path, Offset: offset, Timestamp: time.Now()}) }

// OnDeleted notifies subscriptions matching path that the stream was deleted.
func (m *Manager) OnDeleted(path string) { m.dispatch(path, Notification{Event: EventDeleted, Path: path, Timestamp: time.Now()}) }

func (m *Manager) dispatch(path string, n Notification) {
	if m.isShuttingDown() {
		return
	}
	for _, sub := range m.store.FindMatchingSubscriptions(path) {
		go m.deliver(sub, path, n, 0)
	}
}

func (m *Manager) deliver(sub *Subscription, path string, n Notification, attempt int) {
	body, err := marshalNotification(n)
	if err != nil {
		m.log.Warn("webhook notification marshal failed", zap.String("subscription", sub.ID), zap.Error(err))
		return
	}
	signature := SignWebhookPayload(string(body), sub.Secret)

	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		m.handleDeliveryError(sub, path, n, attempt, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Webhook-Signature", signature)

	resp, err := m.client.Do(req)
	if err != nil {
		m.handleDeliveryError(sub, path, n, attempt, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		m.store.clearDeliveryState(sub.ID, path)
		return
	}
	m.handleDeliveryError(sub, path, n, attempt, nil)
}

func (m *Manager) handleDeliveryError(sub *Subscription, path string, n Notification, attempt int, err error) {
	m.log.Debug("webhook delivery failed",
		zap.String("subscription", sub.ID), zap.String("path", path), zap.Error(err))

	st := m.store.deliveryStateFor(sub.ID, path)
	now := time.Now()
	if st.firstFailureAt == nil {
		st.firstFailureAt = &now
	}
	if time.Since(*st.firstFailureAt) > gcFailureWindow {
		m.log.Warn("abandoning webhook delivery after sustained failures",
			zap.String("subscription", sub.ID), zap.String("path", path))
		m.store.clearDeliveryState(sub.ID, path)
		return
	}

	m.scheduleRetry(sub, path, n, attempt+1)
}

func (m *Manager) scheduleRetry(sub *Subscription, path string, n Notification, attempt int) {
	if m.isShuttingDown() {
		return
	}
	st := m.store.deliveryStateFor(sub.ID, path)
	st.retryCount = attempt
	delay := calculateRetryDelay(attempt)

	if st.cancel != nil {
		close(st.cancel)
	}
	cancel := make(chan struct{})
	st.cancel = cancel

	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
			if !m.isShuttingDown() {
				m.deliver(sub, path, n, attempt)
			}
		case <-cancel:
		}
	}()
}

func calculateRetryDelay(attempt int) time.Duration {
	if attempt > 10 {
		return steadyRetryDelay + time.Duration(rand.Intn(5000))*time.Millisecond
	}
	baseMS := math.Min(math.Pow(2, float64(attempt))*100, float64(maxRetryDelayMS))
	return time.Duration(baseMS)*time.Millisecond + time.Duration(rand.Intn(1000))*time.Millisecond
}

func (m *Manager) isShuttingDown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shuttingDown
}

// Shutdown stops accepting new deliveries and cancels pending retries.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.shuttingDown = true
	m.mu.Unlock()
	m.store.Shutdown()
}
