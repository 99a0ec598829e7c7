package service

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/user/llm-router-go/internal/config"
	"github.com/user/llm-router-go/internal/models"
	"go.uber.org/zap"
)

const (
	maxBlacklistDuration = 5 * time.Minute
	persistDebounce      = 100 * time.Millisecond
)

// blockEntry is one temporary block. Repeat offenses extend the duration;
// expiry is checked lazily on read.
type blockEntry struct {
	PipelineID string    `json:"pipelineId"`
	Reason     string    `json:"reason"`
	CreatedAt  time.Time `json:"createdAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
	BlockCount int       `json:"blockCount"`
}

// rateLimitState tracks the consecutive-429 ladder per pipeline. ResetAt is
// when the current consecutive run expires.
type rateLimitState struct {
	PipelineID       string    `json:"pipelineId"`
	ConsecutiveCount int       `json:"consecutiveCount"`
	FirstFailureTime time.Time `json:"firstFailureTime"`
	LastFailureTime  time.Time `json:"lastFailureTime"`
	ResetAt          time.Time `json:"resetAt"`
}

// blacklistSnapshot is the persisted-on-disk shape. Destroyed pipelines are
// deliberately absent: destruction is process-local.
type blacklistSnapshot struct {
	Timestamp         time.Time         `json:"timestamp"`
	RateLimitCounters []*rateLimitState `json:"rateLimitCounters"`
	TemporaryBlocks   []*blockEntry     `json:"temporaryBlocks"`
}

// BlacklistManager owns temporary blocks, the consecutive-429 ladder, and
// permanent pipeline destruction. Blocks and rate-limit counters survive
// restarts via a debounced JSON file write; the destroyed set does not.
type BlacklistManager struct {
	mu         sync.Mutex
	blocks     map[string]*blockEntry
	rateLimits map[string]*rateLimitState
	destroyed  map[string]bool
	onDestroy  func(pipelineID string)

	settings config.BlacklistSettings
	maxBlock time.Duration
	logger   *zap.Logger
	events   *EventBus

	persistMu   sync.Mutex
	persistWake chan struct{}
	done        chan struct{}
	closeOnce   sync.Once
}

// NewBlacklistManager creates a BlacklistManager and, when a persistence
// file is configured, loads surviving state and starts the debounced writer.
func NewBlacklistManager(settings config.BlacklistSettings, events *EventBus, logger *zap.Logger) *BlacklistManager {
	maxBlock := maxBlacklistDuration
	if settings.MaxDurationMs > 0 {
		maxBlock = time.Duration(settings.MaxDurationMs) * time.Millisecond
	}
	m := &BlacklistManager{
		blocks:      make(map[string]*blockEntry),
		rateLimits:  make(map[string]*rateLimitState),
		destroyed:   make(map[string]bool),
		settings:    settings,
		maxBlock:    maxBlock,
		logger:      logger,
		events:      events,
		persistWake: make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	if settings.PersistenceFile != "" {
		m.restore()
		go m.persistLoop()
	}
	return m
}

// SetDestroyHook registers a callback invoked after a pipeline is destroyed
// so the routing and health views can drop it immediately.
func (m *BlacklistManager) SetDestroyHook(fn func(pipelineID string)) {
	m.mu.Lock()
	m.onDestroy = fn
	m.mu.Unlock()
}

// Close flushes pending state and stops the writer goroutine.
func (m *BlacklistManager) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
		if m.settings.PersistenceFile != "" {
			m.persist()
		}
	})
}

// IsBlocked reports whether the pipeline is currently unavailable. Expired
// blocks are evicted lazily here.
func (m *BlacklistManager) IsBlocked(pipelineID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed[pipelineID] {
		return true
	}
	e, ok := m.blocks[pipelineID]
	if !ok {
		return false
	}
	if time.Now().After(e.ExpiresAt) {
		delete(m.blocks, pipelineID)
		m.requestPersist()
		return false
	}
	return true
}

// FilterAvailable keeps only pipelines that are neither blocked nor
// destroyed, preserving order.
func (m *BlacklistManager) FilterAvailable(pipelineIDs []string) []string {
	out := make([]string, 0, len(pipelineIDs))
	for _, id := range pipelineIDs {
		if !m.IsBlocked(id) {
			out = append(out, id)
		}
	}
	return out
}

// TemporaryBlock blocks the pipeline for the given duration. Repeat blocks
// double the requested duration per prior offense, capped at the maximum.
func (m *BlacklistManager) TemporaryBlock(pipelineID string, d time.Duration, reason string) {
	m.mu.Lock()
	count := 1
	if prev, ok := m.blocks[pipelineID]; ok {
		count = prev.BlockCount + 1
	}
	effective := d << (count - 1)
	if effective > m.maxBlock || effective <= 0 {
		effective = m.maxBlock
	}
	now := time.Now()
	m.blocks[pipelineID] = &blockEntry{
		PipelineID: pipelineID,
		Reason:     reason,
		CreatedAt:  now,
		ExpiresAt:  now.Add(effective),
		BlockCount: count,
	}
	m.mu.Unlock()

	m.logger.Warn("pipeline temporarily blocked",
		zap.String("pipeline_id", pipelineID),
		zap.Duration("duration", effective),
		zap.String("reason", reason),
		zap.Int("block_count", count))
	m.publish(models.EventPipelineTemporaryBlock, map[string]interface{}{
		"pipelineId": pipelineID,
		"durationMs": effective.Milliseconds(),
		"reason":     reason,
	})
	m.requestPersist()
}

// Unblock lifts a temporary block ahead of expiry (operator action). It
// also resets the 429 ladder for the pipeline.
func (m *BlacklistManager) Unblock(pipelineID string) bool {
	m.mu.Lock()
	_, had := m.blocks[pipelineID]
	delete(m.blocks, pipelineID)
	delete(m.rateLimits, pipelineID)
	m.mu.Unlock()
	if had {
		m.logger.Info("pipeline manually unblocked", zap.String("pipeline_id", pipelineID))
		m.publish(models.EventPipelineManualUnblock, map[string]interface{}{
			"pipelineId": pipelineID,
		})
		m.requestPersist()
	}
	return had
}

// Destroy permanently removes the pipeline from rotation for the rest of
// the process lifetime, dropping its counters and block entries.
func (m *BlacklistManager) Destroy(pipelineID, reason string) {
	m.mu.Lock()
	m.destroyed[pipelineID] = true
	delete(m.blocks, pipelineID)
	delete(m.rateLimits, pipelineID)
	hook := m.onDestroy
	m.mu.Unlock()

	m.logger.Error("pipeline destroyed",
		zap.String("pipeline_id", pipelineID),
		zap.String("reason", reason))
	m.publish(models.EventPipelineDestroy, map[string]interface{}{
		"pipelineId": pipelineID,
		"reason":     reason,
	})
	if hook != nil {
		hook(pipelineID)
	}
	m.requestPersist()
}

// IsDestroyed reports permanent removal.
func (m *BlacklistManager) IsDestroyed(pipelineID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.destroyed[pipelineID]
}

// Handle429 advances the consecutive-429 ladder and returns the action
// taken: the first and second hits block temporarily, the third within the
// reset interval destroys the pipeline. The counter resets after the
// configured quiet interval.
func (m *BlacklistManager) Handle429(pipelineID string) models.ErrorAction {
	rule := m.settings.RateLimitRule
	blockFor := 60 * time.Second
	if rule.BlockDurationMs > 0 {
		blockFor = time.Duration(rule.BlockDurationMs) * time.Millisecond
	}
	maxConsecutive := 3
	if rule.MaxConsecutiveFailures > 0 {
		maxConsecutive = rule.MaxConsecutiveFailures
	}
	resetAfter := 5 * time.Minute
	if rule.ResetIntervalMs > 0 {
		resetAfter = time.Duration(rule.ResetIntervalMs) * time.Millisecond
	}

	m.mu.Lock()
	st, ok := m.rateLimits[pipelineID]
	now := time.Now()
	if !ok || now.After(st.ResetAt) {
		st = &rateLimitState{PipelineID: pipelineID, FirstFailureTime: now}
		m.rateLimits[pipelineID] = st
	}
	st.ConsecutiveCount++
	st.LastFailureTime = now
	st.ResetAt = now.Add(resetAfter)
	count := st.ConsecutiveCount
	m.mu.Unlock()

	if count >= maxConsecutive {
		m.Destroy(pipelineID, "consecutive_rate_limits")
		return models.FatalAction("consecutive_rate_limits")
	}
	m.TemporaryBlock(pipelineID, blockFor, "rate_limit")
	return models.BlacklistAction(blockFor, "rate_limit")
}

// Reset429 clears the ladder after a successful execution.
func (m *BlacklistManager) Reset429(pipelineID string) {
	m.mu.Lock()
	_, had := m.rateLimits[pipelineID]
	delete(m.rateLimits, pipelineID)
	m.mu.Unlock()
	if had {
		m.requestPersist()
	}
}

// Consecutive429 returns the current ladder count for the pipeline.
func (m *BlacklistManager) Consecutive429(pipelineID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.rateLimits[pipelineID]
	if !ok {
		return 0
	}
	return st.ConsecutiveCount
}

// MatchDestroyRule reports whether an enabled destroy rule fires for the
// status code and error text.
func (m *BlacklistManager) MatchDestroyRule(statusCode int, errText string) bool {
	lower := strings.ToLower(errText)
	for _, rule := range m.settings.DestroyRules {
		if !rule.Enabled {
			continue
		}
		if rule.StatusCode != 0 && rule.StatusCode != statusCode {
			continue
		}
		if len(rule.ErrorPatterns) == 0 {
			return true
		}
		for _, pat := range rule.ErrorPatterns {
			if strings.Contains(lower, strings.ToLower(pat)) {
				return true
			}
		}
	}
	return false
}

// Blocked returns snapshot copies of the active blocks, evicting expired
// entries on the way.
func (m *BlacklistManager) Blocked() []blockEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	out := make([]blockEntry, 0, len(m.blocks))
	for id, e := range m.blocks {
		if now.After(e.ExpiresAt) {
			delete(m.blocks, id)
			continue
		}
		out = append(out, *e)
	}
	return out
}

func (m *BlacklistManager) publish(name string, payload map[string]interface{}) {
	if m.events == nil {
		return
	}
	m.events.Publish(name, payload)
}

// requestPersist schedules a debounced write without blocking the caller.
func (m *BlacklistManager) requestPersist() {
	if m.settings.PersistenceFile == "" {
		return
	}
	select {
	case m.persistWake <- struct{}{}:
	default:
	}
}

// persistLoop coalesces bursts of state changes into one write per
// debounce interval.
func (m *BlacklistManager) persistLoop() {
	for {
		select {
		case <-m.done:
			return
		case <-m.persistWake:
			timer := time.NewTimer(persistDebounce)
			select {
			case <-m.done:
				timer.Stop()
				return
			case <-timer.C:
			}
			m.persist()
		}
	}
}

// persist writes the snapshot atomically (temp file then rename).
func (m *BlacklistManager) persist() {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	m.mu.Lock()
	now := time.Now()
	snap := blacklistSnapshot{
		Timestamp:         now,
		RateLimitCounters: make([]*rateLimitState, 0, len(m.rateLimits)),
		TemporaryBlocks:   make([]*blockEntry, 0, len(m.blocks)),
	}
	for _, e := range m.blocks {
		if now.After(e.ExpiresAt) {
			continue
		}
		cp := *e
		snap.TemporaryBlocks = append(snap.TemporaryBlocks, &cp)
	}
	for _, st := range m.rateLimits {
		cp := *st
		snap.RateLimitCounters = append(snap.RateLimitCounters, &cp)
	}
	m.mu.Unlock()

	data, err := json.MarshalIndent(&snap, "", "  ")
	if err != nil {
		m.logger.Error("marshal blacklist state", zap.Error(err))
		return
	}
	path := m.settings.PersistenceFile
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		m.logger.Error("create blacklist state dir", zap.Error(err))
		return
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		m.logger.Error("write blacklist state", zap.Error(err))
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		m.logger.Error("rename blacklist state", zap.Error(err))
	}
}

// restore loads persisted state, dropping blocks and counters that expired
// while the process was down.
func (m *BlacklistManager) restore() {
	data, err := os.ReadFile(m.settings.PersistenceFile)
	if err != nil {
		if !os.IsNotExist(err) {
			m.logger.Warn("read blacklist state", zap.Error(err))
		}
		return
	}
	var snap blacklistSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		m.logger.Warn("corrupt blacklist state, starting clean", zap.Error(err))
		return
	}
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range snap.TemporaryBlocks {
		if e != nil && e.PipelineID != "" && now.Before(e.ExpiresAt) {
			m.blocks[e.PipelineID] = e
		}
	}
	for _, st := range snap.RateLimitCounters {
		if st != nil && st.PipelineID != "" && now.Before(st.ResetAt) {
			m.rateLimits[st.PipelineID] = st
		}
	}
	m.logger.Info("restored blacklist state",
		zap.Int("blocks", len(m.blocks)),
		zap.Int("rate_limit_counters", len(m.rateLimits)))
}
