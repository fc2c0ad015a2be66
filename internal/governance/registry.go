package governance

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"MedChain/internal/attest"
	"MedChain/internal/logger"
	"MedChain/internal/storage"
)

var (
	// ErrAlreadyRegistered is returned when registering an existing client id.
	ErrAlreadyRegistered = errors.New("client already registered")

	// ErrQualityTooLow is returned when data quality is below the threshold.
	ErrQualityTooLow = errors.New("data quality below threshold")

	// ErrInvalidQuality is returned for a quality score outside [0,1].
	ErrInvalidQuality = errors.New("data quality out of range")

	// ErrInvalidClient is returned for an empty client id or a malformed key.
	ErrInvalidClient = errors.New("invalid client")

	// ErrNotFound is returned for an unknown client id.
	ErrNotFound = errors.New("client not found")

	// ErrInactive is returned by CheckAggregate for a deactivated client.
	ErrInactive = errors.New("client inactive")

	// ErrNotEnoughClients is returned by CheckAggregate below MinClients.
	ErrNotEnoughClients = errors.New("not enough clients")
)

// Storage key prefixes.
var (
	prefixClient = []byte("c:") // c:<id> -> ClientRecord JSON
	prefixAccess = []byte("a:") // a:<seq> -> AccessLogEntry JSON
)

// Config holds the registry's eligibility thresholds.
type Config struct {
	MinClients     int     // MinClients is the quorum size for one round
	MinDataQuality float64 // MinDataQuality is the registration threshold
}

// ClientRecord describes one registered participant.
type ClientRecord struct {
	ID           string    `json:"id"`
	Organization string    `json:"organization"`
	DatasetSize  uint64    `json:"dataset_size"`
	DataQuality  float64   `json:"data_quality"`
	Active       bool      `json:"active"`
	RegisteredAt time.Time `json:"registered_at"`
	PublicKey    []byte    `json:"public_key,omitempty"` // optional BLS key for signed submissions
}

// AccessLogEntry is one recorded client action.
type AccessLogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	ClientID  string    `json:"client_id"`
	Action    string    `json:"action"`
	Success   bool      `json:"success"`
}

// Registry tracks client identity and eligibility.
// It is safe for concurrent access.
type Registry struct {
	cfg Config
	db  *storage.Storage // nil for an in-memory registry

	mu        sync.RWMutex
	clients   map[string]*ClientRecord
	accessLog []AccessLogEntry
	now       func() time.Time
}

// New creates an in-memory registry.
func New(cfg Config) *Registry {
	return &Registry{
		cfg:     cfg,
		clients: make(map[string]*ClientRecord),
		now:     time.Now,
	}
}

// Open creates a registry mirrored to db and loads any records already there.
func Open(cfg Config, db *storage.Storage) (*Registry, error) {
	r := New(cfg)
	r.db = db

	err := db.IteratePrefix(prefixClient, func(_, value []byte) error {
		var rec ClientRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("decode client record:\n%w", err)
		}
		r.clients[rec.ID] = &rec
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load clients:\n%w", err)
	}

	err = db.IteratePrefix(prefixAccess, func(_, value []byte) error {
		var e AccessLogEntry
		if err := json.Unmarshal(value, &e); err != nil {
			return fmt.Errorf("decode access entry:\n%w", err)
		}
		r.accessLog = append(r.accessLog, e)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load access log:\n%w", err)
	}

	logger.Info("governance registry loaded", "clients", len(r.clients), "access_entries", len(r.accessLog))

	return r, nil
}

// Config returns the registry's thresholds.
func (r *Registry) Config() Config {
	return r.cfg
}

// Register adds an active client. Re-registering an existing id is rejected
// and leaves the first record unchanged.
func (r *Registry) Register(id, organization string, datasetSize uint64, quality float64) error {
	return r.register(id, organization, datasetSize, quality, nil)
}

// RegisterWithKey is Register plus a BLS public key. Submissions from the
// client must then carry a valid signature.
func (r *Registry) RegisterWithKey(id, organization string, datasetSize uint64, quality float64, publicKey []byte) error {
	if !attest.ValidPublicKey(publicKey) {
		return fmt.Errorf("%w: %q has a malformed public key", ErrInvalidClient, id)
	}

	return r.register(id, organization, datasetSize, quality, publicKey)
}

func (r *Registry) register(id, organization string, datasetSize uint64, quality float64, publicKey []byte) error {
	if id == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidClient)
	}

	if math.IsNaN(quality) || quality < 0 || quality > 1 {
		return fmt.Errorf("%w: %v", ErrInvalidQuality, quality)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.clients[id]; exists {
		logger.Warn("client already registered", "client", id)
		return fmt.Errorf("%w: %q", ErrAlreadyRegistered, id)
	}

	if quality < r.cfg.MinDataQuality {
		logger.Warn("client data quality too low", "client", id, "quality", quality, "min", r.cfg.MinDataQuality)
		return fmt.Errorf("%w: %q has %v, need %v", ErrQualityTooLow, id, quality, r.cfg.MinDataQuality)
	}

	rec := &ClientRecord{
		ID:           id,
		Organization: organization,
		DatasetSize:  datasetSize,
		DataQuality:  quality,
		Active:       true,
		RegisteredAt: r.now().UTC(),
	}

	if publicKey != nil {
		rec.PublicKey = append([]byte(nil), publicKey...)
	}

	if err := r.saveLocked(rec); err != nil {
		return err
	}

	r.clients[id] = rec

	logger.Info("client registered", "client", id, "organization", organization, "dataset_size", datasetSize)

	return nil
}

// Deactivate marks a client inactive. There is no reactivation.
func (r *Registry) Deactivate(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.clients[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}

	updated := *rec
	updated.Active = false

	if err := r.saveLocked(&updated); err != nil {
		return err
	}

	r.clients[id] = &updated

	logger.Info("client deactivated", "client", id)

	return nil
}

// CanAggregate reports whether ids may be aggregated together: at least
// MinClients distinct ids, all registered and active.
func (r *Registry) CanAggregate(ids []string) bool {
	return r.CheckAggregate(ids) == nil
}

// CheckAggregate is CanAggregate returning the first violation found.
// Ids are checked in sorted order so the reported violation is stable.
func (r *Registry) CheckAggregate(ids []string) error {
	distinct := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		distinct[id] = struct{}{}
	}

	if len(distinct) < r.cfg.MinClients {
		return fmt.Errorf("%w: %d < %d", ErrNotEnoughClients, len(distinct), r.cfg.MinClients)
	}

	sorted := make([]string, 0, len(distinct))
	for id := range distinct {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, id := range sorted {
		rec, ok := r.clients[id]
		if !ok {
			return fmt.Errorf("%w: %q", ErrNotFound, id)
		}

		if !rec.Active {
			return fmt.Errorf("%w: %q", ErrInactive, id)
		}
	}

	return nil
}

// LogAccess appends an access log entry. It never fails; a storage error is
// logged and the in-memory entry is kept.
func (r *Registry) LogAccess(id, action string, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := AccessLogEntry{
		Timestamp: r.now().UTC(),
		ClientID:  id,
		Action:    action,
		Success:   success,
	}

	seq := uint64(len(r.accessLog))
	r.accessLog = append(r.accessLog, e)

	if r.db == nil {
		return
	}

	data, err := json.Marshal(e)
	if err == nil {
		err = r.db.Set(storage.Uint64Key(prefixAccess, seq), data)
	}

	if err != nil {
		logger.Warn("persist access entry failed", "client", id, "action", action, "error", err)
	}
}

// ActiveClients returns the sorted ids of all active clients.
func (r *Registry) ActiveClients() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for id, rec := range r.clients {
		if rec.Active {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	return ids
}

// Client returns a copy of the record for id.
func (r *Registry) Client(id string) (ClientRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.clients[id]
	if !ok {
		return ClientRecord{}, false
	}
	return *rec, true
}

// Clients returns copies of all records sorted by id.
func (r *Registry) Clients() []ClientRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ClientRecord, 0, len(r.clients))
	for _, rec := range r.clients {
		out = append(out, *rec)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out
}

// AccessLog returns a copy of the access log.
func (r *Registry) AccessLog() []AccessLogEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]AccessLogEntry, len(r.accessLog))
	copy(out, r.accessLog)

	return out
}

// saveLocked mirrors rec to storage (caller must hold lock).
func (r *Registry) saveLocked(rec *ClientRecord) error {
	if r.db == nil {
		return nil
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode client record:\n%w", err)
	}

	if err := r.db.SetDurable(storage.StringKey(prefixClient, rec.ID), data); err != nil {
		return fmt.Errorf("persist client %q:\n%w", rec.ID, err)
	}

	return nil
}
