package marketapi

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gridrent/gridrent/internal/artifacts"
	"github.com/gridrent/gridrent/internal/auth"
	"github.com/gridrent/gridrent/internal/market"
	"github.com/gridrent/gridrent/internal/registry"
)

var ErrInvalidConfig = errors.New("marketapi: invalid config")

// ResourceService is the registry surface the API exposes.
type ResourceService interface {
	Register(ctx context.Context, provider common.Address, proof []byte, model string, capacityGB uint32, hourlyPrice int64) (uint64, error)
	SetAvailability(ctx context.Context, provider common.Address, proof []byte, id uint64, available bool) error
	UpdatePrice(ctx context.Context, provider common.Address, proof []byte, id uint64, price int64) error
	Get(ctx context.Context, id uint64) (registry.Resource, error)
	ListByProvider(ctx context.Context, provider common.Address) ([]uint64, error)
	NextID(ctx context.Context) (uint64, error)
}

// JobService is the marketplace surface the API exposes.
type JobService interface {
	Post(ctx context.Context, consumer common.Address, proof []byte, resourceID uint64, description string, hours uint32, amount int64) (uint64, error)
	Claim(ctx context.Context, provider common.Address, proof []byte, jobID uint64) error
	Complete(ctx context.Context, provider common.Address, proof []byte, jobID uint64, resultHash string) error
	Cancel(ctx context.Context, consumer common.Address, proof []byte, jobID uint64) error
	Get(ctx context.Context, jobID uint64) (market.Job, error)
	ListByConsumer(ctx context.Context, consumer common.Address) ([]uint64, error)
	ListByProvider(ctx context.Context, provider common.Address) ([]uint64, error)
	AccumulatedFees(ctx context.Context) (int64, error)
	NextID(ctx context.Context) (uint64, error)
}

type Config struct {
	Resources ResourceService
	Jobs      JobService

	// Results is optional; result endpoints answer 404 without it.
	Results artifacts.Archive

	Escrow common.Address

	RateLimitPerIPPerSecond float64
	RateLimitBurst          int
	RateLimitMaxTrackedIPs  int

	Now func() time.Time
}

func NewHandler(cfg Config) (http.Handler, error) {
	if cfg.Resources == nil || cfg.Jobs == nil {
		return nil, fmt.Errorf("%w: nil services", ErrInvalidConfig)
	}
	if cfg.RateLimitPerIPPerSecond <= 0 {
		cfg.RateLimitPerIPPerSecond = 20
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 40
	}
	if cfg.RateLimitMaxTrackedIPs <= 0 {
		cfg.RateLimitMaxTrackedIPs = 10_000
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	h := &handler{
		cfg:       cfg,
		resources: cfg.Resources,
		jobs:      cfg.Jobs,
		results:   cfg.Results,
		limiter: newIPRateLimiter(
			cfg.RateLimitPerIPPerSecond,
			float64(cfg.RateLimitBurst),
			cfg.RateLimitMaxTrackedIPs,
		),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.HandleFunc("GET /v1/config", h.handleConfig)
	mux.HandleFunc("POST /v1/resources", h.handleResourceRegister)
	mux.HandleFunc("GET /v1/resources/{resourceId}", h.handleResourceGet)
	mux.HandleFunc("POST /v1/resources/{resourceId}/availability", h.handleResourceAvailability)
	mux.HandleFunc("POST /v1/resources/{resourceId}/price", h.handleResourcePrice)
	mux.HandleFunc("GET /v1/providers/{address}/resources", h.handleProviderResources)
	mux.HandleFunc("POST /v1/jobs", h.handleJobPost)
	mux.HandleFunc("GET /v1/jobs/{jobId}", h.handleJobGet)
	mux.HandleFunc("POST /v1/jobs/{jobId}/claim", h.handleJobClaim)
	mux.HandleFunc("POST /v1/jobs/{jobId}/complete", h.handleJobComplete)
	mux.HandleFunc("POST /v1/jobs/{jobId}/cancel", h.handleJobCancel)
	mux.HandleFunc("GET /v1/jobs/{jobId}/result", h.handleJobResult)
	mux.HandleFunc("GET /v1/consumers/{address}/jobs", h.handleConsumerJobs)
	mux.HandleFunc("GET /v1/providers/{address}/jobs", h.handleProviderJobs)
	mux.HandleFunc("GET /v1/fees", h.handleFees)
	mux.HandleFunc("GET /v1/counters", h.handleCounters)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Health checks must never be throttled.
		if r.URL.Path == "/healthz" {
			mux.ServeHTTP(w, r)
			return
		}

		now := h.cfg.Now().UTC()
		ip := clientIP(r)
		allowed := h.limiter.Allow(ip, now)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(h.cfg.RateLimitBurst))
		if !allowed {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"version": "v1",
				"error":   "rate_limited",
			})
			return
		}

		mux.ServeHTTP(w, r)
	}), nil
}

type handler struct {
	cfg Config

	resources ResourceService
	jobs      JobService
	results   artifacts.Archive
	limiter   *ipRateLimiter
}

func (h *handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (h *handler) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version":               "v1",
		"feePercent":            market.FeePercent,
		"cancelCooldownSeconds": market.CancelCooldown,
		"escrowAddress":         h.cfg.Escrow.Hex(),
	})
}

type resourceRegisterBody struct {
	Provider    string `json:"provider"`
	Proof       string `json:"proof"`
	Model       string `json:"model"`
	CapacityGB  uint32 `json:"capacityGb"`
	HourlyPrice string `json:"hourlyPrice"`
}

func (h *handler) handleResourceRegister(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeJSONBody[resourceRegisterBody](w, r)
	if !ok {
		return
	}
	provider, ok := parseAddress(w, body.Provider, "invalid_provider")
	if !ok {
		return
	}
	proof, ok := parseProof(w, body.Proof)
	if !ok {
		return
	}
	price, err := parseAmount(body.HourlyPrice)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_hourly_price")
		return
	}

	id, err := h.resources.Register(r.Context(), provider, proof, body.Model, body.CapacityGB, price)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"version":    "v1",
		"resourceId": id,
	})
}

func (h *handler) handleResourceGet(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r.PathValue("resourceId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_resource_id")
		return
	}

	res, err := h.resources.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resourceJSON(res))
}

type availabilityBody struct {
	Provider  string `json:"provider"`
	Proof     string `json:"proof"`
	Available bool   `json:"available"`
}

func (h *handler) handleResourceAvailability(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r.PathValue("resourceId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_resource_id")
		return
	}
	body, ok := decodeJSONBody[availabilityBody](w, r)
	if !ok {
		return
	}
	provider, ok := parseAddress(w, body.Provider, "invalid_provider")
	if !ok {
		return
	}
	proof, ok := parseProof(w, body.Proof)
	if !ok {
		return
	}

	if err := h.resources.SetAvailability(r.Context(), provider, proof, id, body.Available); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":    "v1",
		"resourceId": id,
		"available":  body.Available,
	})
}

type priceBody struct {
	Provider    string `json:"provider"`
	Proof       string `json:"proof"`
	HourlyPrice string `json:"hourlyPrice"`
}

func (h *handler) handleResourcePrice(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r.PathValue("resourceId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_resource_id")
		return
	}
	body, ok := decodeJSONBody[priceBody](w, r)
	if !ok {
		return
	}
	provider, ok := parseAddress(w, body.Provider, "invalid_provider")
	if !ok {
		return
	}
	proof, ok := parseProof(w, body.Proof)
	if !ok {
		return
	}
	price, err := parseAmount(body.HourlyPrice)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_hourly_price")
		return
	}

	if err := h.resources.UpdatePrice(r.Context(), provider, proof, id, price); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":     "v1",
		"resourceId":  id,
		"hourlyPrice": strconv.FormatInt(price, 10),
	})
}

func (h *handler) handleProviderResources(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(w, r.PathValue("address"), "invalid_address")
	if !ok {
		return
	}
	ids, err := h.resources.ListByProvider(r.Context(), addr)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":     "v1",
		"provider":    addr.Hex(),
		"resourceIds": idsOrEmpty(ids),
	})
}

type jobPostBody struct {
	Consumer    string `json:"consumer"`
	Proof       string `json:"proof"`
	ResourceID  uint64 `json:"resourceId"`
	Description string `json:"description"`
	Hours       uint32 `json:"hours"`
	Amount      string `json:"amount"`
}

func (h *handler) handleJobPost(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeJSONBody[jobPostBody](w, r)
	if !ok {
		return
	}
	consumer, ok := parseAddress(w, body.Consumer, "invalid_consumer")
	if !ok {
		return
	}
	proof, ok := parseProof(w, body.Proof)
	if !ok {
		return
	}
	amount, err := parseAmount(body.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_amount")
		return
	}

	id, err := h.jobs.Post(r.Context(), consumer, proof, body.ResourceID, body.Description, body.Hours, amount)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"version": "v1",
		"jobId":   id,
	})
}

func (h *handler) handleJobGet(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r.PathValue("jobId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_job_id")
		return
	}

	job, err := h.jobs.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobJSON(job))
}

type claimBody struct {
	Provider string `json:"provider"`
	Proof    string `json:"proof"`
}

func (h *handler) handleJobClaim(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r.PathValue("jobId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_job_id")
		return
	}
	body, ok := decodeJSONBody[claimBody](w, r)
	if !ok {
		return
	}
	provider, ok := parseAddress(w, body.Provider, "invalid_provider")
	if !ok {
		return
	}
	proof, ok := parseProof(w, body.Proof)
	if !ok {
		return
	}

	if err := h.jobs.Claim(r.Context(), provider, proof, id); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": "v1",
		"jobId":   id,
		"status":  market.StatusClaimed.String(),
	})
}

type completeBody struct {
	Provider   string `json:"provider"`
	Proof      string `json:"proof"`
	ResultHash string `json:"resultHash"`
	// ResultHex optionally carries the raw result payload; when present it
	// is archived and its attestation hash supersedes ResultHash.
	ResultHex string `json:"resultHex"`
}

func (h *handler) handleJobComplete(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r.PathValue("jobId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_job_id")
		return
	}
	body, ok := decodeJSONBody[completeBody](w, r)
	if !ok {
		return
	}
	provider, ok := parseAddress(w, body.Provider, "invalid_provider")
	if !ok {
		return
	}
	proof, ok := parseProof(w, body.Proof)
	if !ok {
		return
	}

	resultHash := strings.TrimSpace(body.ResultHash)
	if raw := strings.TrimSpace(body.ResultHex); raw != "" {
		payload, err := decodeHexBytes(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_result_hex")
			return
		}
		if h.results != nil {
			hash, err := h.results.PutResult(r.Context(), id, payload)
			if err != nil {
				if errors.Is(err, artifacts.ErrInvalidPayload) || errors.Is(err, artifacts.ErrTooLarge) {
					writeError(w, http.StatusBadRequest, "invalid_result_payload")
					return
				}
				writeError(w, http.StatusInternalServerError, "result_archive_failed")
				return
			}
			resultHash = hash
		} else {
			resultHash = artifacts.HashResult(payload)
		}
	}
	if resultHash == "" {
		writeError(w, http.StatusBadRequest, "missing_result_hash")
		return
	}

	if err := h.jobs.Complete(r.Context(), provider, proof, id, resultHash); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":    "v1",
		"jobId":      id,
		"status":     market.StatusCompleted.String(),
		"resultHash": resultHash,
	})
}

type cancelBody struct {
	Consumer string `json:"consumer"`
	Proof    string `json:"proof"`
}

func (h *handler) handleJobCancel(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r.PathValue("jobId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_job_id")
		return
	}
	body, ok := decodeJSONBody[cancelBody](w, r)
	if !ok {
		return
	}
	consumer, ok := parseAddress(w, body.Consumer, "invalid_consumer")
	if !ok {
		return
	}
	proof, ok := parseProof(w, body.Proof)
	if !ok {
		return
	}

	if err := h.jobs.Cancel(r.Context(), consumer, proof, id); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": "v1",
		"jobId":   id,
		"status":  market.StatusCancelled.String(),
	})
}

func (h *handler) handleJobResult(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r.PathValue("jobId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_job_id")
		return
	}
	if h.results == nil {
		writeError(w, http.StatusNotFound, "result_archive_disabled")
		return
	}

	res, err := h.results.GetResult(r.Context(), id)
	if err != nil {
		if errors.Is(err, artifacts.ErrNotFound) {
			writeError(w, http.StatusNotFound, "result_not_found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":    "v1",
		"jobId":      id,
		"resultHash": res.Hash,
		"resultHex":  hex.EncodeToString(res.Data),
	})
}

func (h *handler) handleConsumerJobs(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(w, r.PathValue("address"), "invalid_address")
	if !ok {
		return
	}
	ids, err := h.jobs.ListByConsumer(r.Context(), addr)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":  "v1",
		"consumer": addr.Hex(),
		"jobIds":   idsOrEmpty(ids),
	})
}

func (h *handler) handleProviderJobs(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(w, r.PathValue("address"), "invalid_address")
	if !ok {
		return
	}
	ids, err := h.jobs.ListByProvider(r.Context(), addr)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":  "v1",
		"provider": addr.Hex(),
		"jobIds":   idsOrEmpty(ids),
	})
}

func (h *handler) handleFees(w http.ResponseWriter, r *http.Request) {
	fees, err := h.jobs.AccumulatedFees(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":         "v1",
		"accumulatedFees": strconv.FormatInt(fees, 10),
	})
}

func (h *handler) handleCounters(w http.ResponseWriter, r *http.Request) {
	nextResource, err := h.resources.NextID(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	nextJob, err := h.jobs.NextID(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":        "v1",
		"nextResourceId": nextResource,
		"nextJobId":      nextJob,
	})
}

func resourceJSON(res registry.Resource) map[string]any {
	return map[string]any{
		"version":       "v1",
		"resourceId":    res.ID,
		"provider":      res.Provider.Hex(),
		"model":         res.Model,
		"capacityGb":    res.CapacityGB,
		"hourlyPrice":   strconv.FormatInt(res.HourlyPrice, 10),
		"available":     res.Available,
		"completedJobs": res.CompletedJobs,
		"registeredAt":  res.RegisteredAt,
	}
}

func jobJSON(job market.Job) map[string]any {
	return map[string]any{
		"version":     "v1",
		"jobId":       job.ID,
		"consumer":    job.Consumer.Hex(),
		"resourceId":  job.ResourceID,
		"description": job.Description,
		"hours":       job.Hours,
		"amount":      strconv.FormatInt(job.Amount, 10),
		"provider":    job.Provider.Hex(),
		"status":      job.Status.String(),
		"createdAt":   job.CreatedAt,
		"claimedAt":   job.ClaimedAt,
		"completedAt": job.CompletedAt,
		"resultHash":  job.ResultHash,
	}
}

// writeServiceError maps domain errors onto wire statuses. Guard
// violations are conflicts; only the cancellation cool-down gets the
// too-early status so clients can retry on a schedule.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrUnauthorized), errors.Is(err, auth.ErrInvalidProof):
		writeError(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, registry.ErrUnauthorized):
		writeError(w, http.StatusForbidden, "not_owner")
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, market.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found")
	case errors.Is(err, market.ErrTooEarly):
		writeError(w, http.StatusTooEarly, "cooldown_not_elapsed")
	case errors.Is(err, market.ErrNotOpen),
		errors.Is(err, market.ErrNotClaimed),
		errors.Is(err, market.ErrTerminalState),
		errors.Is(err, market.ErrWrongProvider),
		errors.Is(err, market.ErrWrongConsumer),
		errors.Is(err, market.ErrAlreadyInitialized):
		writeError(w, http.StatusConflict, "conflict")
	case errors.Is(err, market.ErrNotInitialized):
		writeError(w, http.StatusServiceUnavailable, "not_initialized")
	case errors.Is(err, market.ErrInvalidHours),
		errors.Is(err, market.ErrInvalidAmount),
		errors.Is(err, registry.ErrInvalidCapacity),
		errors.Is(err, registry.ErrInvalidPrice):
		writeError(w, http.StatusBadRequest, "invalid_request")
	default:
		writeError(w, http.StatusInternalServerError, "internal")
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{
		"version": "v1",
		"error":   msg,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSONBody[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var out T
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return out, false
	}
	return out, true
}

func parseAddress(w http.ResponseWriter, raw string, code string) (common.Address, bool) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		writeError(w, http.StatusBadRequest, code)
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func parseProof(w http.ResponseWriter, raw string) ([]byte, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, true
	}
	proof, err := decodeHexBytes(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_proof")
		return nil, false
	}
	return proof, true
}

func parseID(s string) (uint64, error) {
	return strconv.ParseUint(strings.TrimSpace(s), 10, 64)
}

func parseAmount(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, errors.New("missing value")
	}
	return strconv.ParseInt(raw, 10, 64)
}

func decodeHexBytes(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "0x")
	raw = strings.TrimPrefix(raw, "0X")
	if raw == "" {
		return nil, errors.New("empty hex value")
	}
	return hex.DecodeString(raw)
}

func idsOrEmpty(ids []uint64) []uint64 {
	if ids == nil {
		return []uint64{}
	}
	return ids
}

func clientIP(r *http.Request) string {
	xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if xff != "" {
		parts := strings.Split(xff, ",")
		ip := strings.TrimSpace(parts[0])
		if ip != "" {
			return ip
		}
	}
	if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
		return xrip
	}
	remote := strings.TrimSpace(r.RemoteAddr)
	if remote == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(remote); err == nil {
		return addr.Addr().String()
	}
	if addr, err := netip.ParseAddr(remote); err == nil {
		return addr.String()
	}
	host := remote
	if i := strings.LastIndex(remote, ":"); i > 0 {
		host = remote[:i]
	}
	if addr, err := netip.ParseAddr(strings.Trim(host, "[]")); err == nil {
		return addr.String()
	}
	return remote
}

type limiterState struct {
	tokens   float64
	lastAt   time.Time
	lastSeen time.Time
}

type ipRateLimiter struct {
	mu sync.Mutex

	refillPerSecond float64
	burst           float64
	maxTrackedIPs   int
	states          map[string]limiterState
}

func newIPRateLimiter(refillPerSecond float64, burst float64, maxTrackedIPs int) *ipRateLimiter {
	return &ipRateLimiter{
		refillPerSecond: refillPerSecond,
		burst:           burst,
		maxTrackedIPs:   maxTrackedIPs,
		states:          make(map[string]limiterState),
	}
}

func (l *ipRateLimiter) Allow(ip string, now time.Time) bool {
	if l == nil {
		return true
	}
	if ip == "" {
		ip = "unknown"
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.states[ip]
	if !ok {
		if len(l.states) >= l.maxTrackedIPs {
			l.evictOne()
		}
		l.states[ip] = limiterState{
			tokens:   l.burst - 1,
			lastAt:   now,
			lastSeen: now,
		}
		return true
	}

	elapsed := now.Sub(st.lastAt).Seconds()
	if elapsed > 0 {
		st.tokens += elapsed * l.refillPerSecond
		if st.tokens > l.burst {
			st.tokens = l.burst
		}
	}
	st.lastAt = now
	st.lastSeen = now

	if st.tokens < 1 {
		l.states[ip] = st
		return false
	}
	st.tokens -= 1
	l.states[ip] = st
	return true
}

func (l *ipRateLimiter) evictOne() {
	var oldestIP string
	var oldestAt time.Time
	first := true
	for ip, st := range l.states {
		if first || st.lastSeen.Before(oldestAt) {
			oldestIP = ip
			oldestAt = st.lastSeen
			first = false
		}
	}
	if oldestIP != "" {
		delete(l.states, oldestIP)
	}
}
