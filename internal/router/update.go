package router

import (
	"sync"

	"github.com/google/uuid"

	"github.com/scottylabs/kennel/internal/config"
)

// UpdateKind discriminates routing updates.
type UpdateKind int

const (
	// UpdateDeploymentActive announces a deployment that passed its health
	// check and should be routed.
	UpdateDeploymentActive UpdateKind = iota
	// UpdateDeploymentRemoved announces a torn-down deployment.
	UpdateDeploymentRemoved
	// UpdateFullReload asks the router to rebuild the table from the store.
	UpdateFullReload
)

// Update is one routing-table change notification.
type Update struct {
	Kind         UpdateKind
	DeploymentID int64
	Domain       string
	CustomDomain *string
	Port         *int
	StorePath    string
	SPA          bool
}

// Hub fans routing updates out to subscribers. Delivery is lossy: a
// subscriber whose buffer is full misses the update and catches up on the
// next periodic full reload.
type Hub struct {
	mu   sync.Mutex
	subs map[uuid.UUID]chan Update
}

func NewHub() *Hub {
	return &Hub{subs: make(map[uuid.UUID]chan Update)}
}

func (h *Hub) Subscribe() (uuid.UUID, <-chan Update) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := uuid.New()
	ch := make(chan Update, config.RouterUpdateQueueCapacity)
	h.subs[id] = ch
	return id, ch
}

func (h *Hub) Unsubscribe(id uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(ch)
	}
}

func (h *Hub) Publish(u Update) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- u:
		default:
		}
	}
}
