// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/skald-media/skald/internal/log"
)

// Holder gives thread-safe access to the live configuration and hot
// reloads it when the config file changes. Reload is atomic: a config
// that fails validation is discarded and the previous one stays.
type Holder struct {
	mu         sync.RWMutex
	current    Config
	configPath string
	watcher    *fsnotify.Watcher
	logger     zerolog.Logger

	listenMu  sync.RWMutex
	listeners []chan<- Config
}

func NewHolder(initial Config, configPath string) *Holder {
	return &Holder{
		current:    initial,
		configPath: configPath,
		logger:     log.WithComponent("config"),
	}
}

// Get returns the current configuration snapshot.
func (h *Holder) Get() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// Reload re-reads the file and environment. The old configuration is
// kept on any load or validation error.
func (h *Holder) Reload(_ context.Context) error {
	newCfg, err := Load(h.configPath)
	if err != nil {
		h.logger.Error().Err(err).
			Str("event", "config.reload_failed").
			Msg("keeping previous configuration")
		return err
	}

	h.mu.Lock()
	old := h.current
	h.current = newCfg
	h.mu.Unlock()

	h.notify(newCfg)
	h.logChanges(old, newCfg)
	h.logger.Info().Str("event", "config.reload_success").Msg("configuration reloaded")
	return nil
}

// StartWatcher begins watching the config file. A no-op when the
// daemon runs from environment only.
func (h *Holder) StartWatcher(ctx context.Context) error {
	if h.configPath == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	if err := watcher.Add(h.configPath); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("config: watch %s: %w", h.configPath, err)
	}
	h.watcher = watcher

	h.logger.Info().
		Str("event", "config.watcher_started").
		Str("path", h.configPath).
		Msg("watching config file")

	go h.watchLoop(ctx)
	return nil
}

func (h *Holder) watchLoop(ctx context.Context) {
	// Editors fire several events per save; debounce them.
	var debounce *time.Timer
	const debounceWindow = 500 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			_ = h.watcher.Close()
			return

		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(debounceWindow, func() {
					_ = h.Reload(ctx)
				})
			}

		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.logger.Error().Err(err).
				Str("event", "config.watcher_error").
				Msg("config watcher error")
		}
	}
}

// Subscribe registers a channel for reload notifications. Sends are
// non-blocking; a full channel misses the update.
func (h *Holder) Subscribe(ch chan<- Config) {
	h.listenMu.Lock()
	defer h.listenMu.Unlock()
	h.listeners = append(h.listeners, ch)
}

func (h *Holder) notify(cfg Config) {
	h.listenMu.RLock()
	defer h.listenMu.RUnlock()
	for _, ch := range h.listeners {
		select {
		case ch <- cfg:
		default:
			h.logger.Warn().
				Str("event", "config.listener_skip").
				Msg("skipped notifying listener (channel full)")
		}
	}
}

func (h *Holder) logChanges(old, cfg Config) {
	if old.Processing.WhisperModel != cfg.Processing.WhisperModel {
		h.logger.Info().
			Str("old", old.Processing.WhisperModel).
			Str("new", cfg.Processing.WhisperModel).
			Msg("config changed: whisper model")
	}
	if old.Processing.BatchSize != cfg.Processing.BatchSize {
		h.logger.Info().
			Int("old", old.Processing.BatchSize).
			Int("new", cfg.Processing.BatchSize).
			Msg("config changed: batch size")
	}
	if old.Recovery.MaxRetries != cfg.Recovery.MaxRetries {
		h.logger.Info().
			Int("old", old.Recovery.MaxRetries).
			Int("new", cfg.Recovery.MaxRetries).
			Msg("config changed: max retries")
	}
	if old.LLM.Model != cfg.LLM.Model {
		h.logger.Info().
			Str("old", old.LLM.Model).
			Str("new", cfg.LLM.Model).
			Msg("config changed: llm model")
	}
}
