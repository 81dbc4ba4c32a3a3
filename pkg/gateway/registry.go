package gateway

import (
	"sort"
	"sync"
	"time"

	"github.com/harun/agentrun/internal/observability"
)

// ClientRegistry manages connected clients and the runs they follow.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*Client
	// run id -> subscribed client ids
	subscribers map[string]map[string]struct{}
	// client id -> run ids the client started
	owned map[string]map[string]struct{}
}

// NewClientRegistry creates a new client registry
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{
		clients:     make(map[string]*Client),
		subscribers: make(map[string]map[string]struct{}),
		owned:       make(map[string]map[string]struct{}),
	}
}

// Add adds a client to the registry
func (r *ClientRegistry) Add(client *Client) {
	r.mu.Lock()
	r.clients[client.ID] = client
	n := len(r.clients)
	r.mu.Unlock()

	observability.SetGatewayClients(n)
}

// Remove drops a client and its subscriptions. It returns the runs the
// client started.
func (r *ClientRegistry) Remove(clientID string) []string {
	r.mu.Lock()
	delete(r.clients, clientID)
	for runID, subs := range r.subscribers {
		delete(subs, clientID)
		if len(subs) == 0 {
			delete(r.subscribers, runID)
		}
	}
	runs := sortedKeys(r.owned[clientID])
	delete(r.owned, clientID)
	n := len(r.clients)
	r.mu.Unlock()

	observability.SetGatewayClients(n)
	return runs
}

// Get retrieves a client by ID
func (r *ClientRegistry) Get(clientID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	client, exists := r.clients[clientID]
	return client, exists
}

// GetAll returns all clients
func (r *ClientRegistry) GetAll() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clients := make([]*Client, 0, len(r.clients))
	for _, client := range r.clients {
		clients = append(clients, client)
	}
	return clients
}

// GetAuthenticatedClients returns only authenticated clients
func (r *ClientRegistry) GetAuthenticatedClients() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clients := make([]*Client, 0)
	for _, client := range r.clients {
		if client.Authenticated {
			clients = append(clients, client)
		}
	}
	return clients
}

// Count returns the number of connected clients
func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.clients)
}

// Subscribe makes clientID receive the events of runID. An owner's runs are
// cancelled when it disconnects.
func (r *ClientRegistry) Subscribe(clientID, runID string, owner bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[clientID]; !ok {
		return false
	}
	subs, ok := r.subscribers[runID]
	if !ok {
		subs = make(map[string]struct{})
		r.subscribers[runID] = subs
	}
	subs[clientID] = struct{}{}
	if owner {
		runs, ok := r.owned[clientID]
		if !ok {
			runs = make(map[string]struct{})
			r.owned[clientID] = runs
		}
		runs[runID] = struct{}{}
	}
	return true
}

// Unsubscribe stops clientID following runID.
func (r *ClientRegistry) Unsubscribe(clientID, runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if subs, ok := r.subscribers[runID]; ok {
		delete(subs, clientID)
		if len(subs) == 0 {
			delete(r.subscribers, runID)
		}
	}
}

// ReleaseRun forgets every subscription and ownership of a finished run.
func (r *ClientRegistry) ReleaseRun(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.subscribers, runID)
	for _, runs := range r.owned {
		delete(runs, runID)
	}
}

// Subscribers returns the clients following runID.
func (r *ClientRegistry) Subscribers(runID string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subs := r.subscribers[runID]
	clients := make([]*Client, 0, len(subs))
	for _, id := range sortedKeys(subs) {
		if client, ok := r.clients[id]; ok {
			clients = append(clients, client)
		}
	}
	return clients
}

// GetConnectedClients returns client information for all connected clients
func (r *ClientRegistry) GetConnectedClients() []ClientInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	infos := make([]ClientInfo, 0, len(r.clients))
	for _, client := range r.clients {
		infos = append(infos, ClientInfo{
			ID:            client.ID,
			Authenticated: client.Authenticated,
			ConnectedAt:   client.ConnectedAt,
			LastActivity:  client.LastActivity,
			IPAddress:     client.IPAddress,
			Idle:          now.Sub(client.LastActivity) > 5*time.Minute,
			Runs:          len(r.owned[client.ID]),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ConnectedAt.Before(infos[j].ConnectedAt) })
	return infos
}

// UpdateActivity updates the last activity time for a client
func (r *ClientRegistry) UpdateActivity(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if client, exists := r.clients[clientID]; exists {
		client.LastActivity = time.Now()
	}
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
