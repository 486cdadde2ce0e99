// Package rotation owns the credential and model lists and the shared
// rotation cursor used to spread traffic across them.
package rotation

import (
	"errors"
	"sync"
)

var (
	ErrNoCredentials = errors.New("at least one upstream credential is required")
	ErrNoModels      = errors.New("at least one target model is required")
)

// Credential is one upstream secret with its ordinal position. Immutable
// once loaded; validity annotations live on the Rotator, not here.
type Credential struct {
	Index int
	Key   string
}

// Preview returns a caller-safe rendering of the key for logs and reports.
func (c Credential) Preview() string {
	const visible = 12
	if len(c.Key) <= visible {
		return c.Key
	}
	return c.Key[:visible] + "..."
}

// Rotator implements prioritized polling over (credential, model) pairs:
// credentials are the inner loop, models the outer loop, so every key is
// used once per model before the served model advances. A second,
// independent cursor provides a plain model round robin.
type Rotator struct {
	mu       sync.Mutex
	creds    []Credential
	models   []string
	keyIdx   int
	modelIdx int

	// Independent cursor for NextModel.
	cycleIdx int

	// Probe annotations keyed by credential index. Absence means unprobed.
	validity map[int]bool
}

// New builds a rotator. Empty lists are a configuration error and are
// rejected here so Select never has to fail.
func New(keys, models []string) (*Rotator, error) {
	if len(keys) == 0 {
		return nil, ErrNoCredentials
	}
	if len(models) == 0 {
		return nil, ErrNoModels
	}

	creds := make([]Credential, len(keys))
	for i, key := range keys {
		creds[i] = Credential{Index: i, Key: key}
	}
	return &Rotator{
		creds:    creds,
		models:   append([]string(nil), models...),
		validity: make(map[int]bool),
	}, nil
}

// Select returns the current (credential, model) pair and advances the
// cursor. The whole read-advance-wrap is one critical section so concurrent
// callers never observe a torn pair or skip a slot.
func (r *Rotator) Select() (Credential, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cred := r.creds[r.keyIdx]
	model := r.models[r.modelIdx]

	r.keyIdx++
	if r.keyIdx >= len(r.creds) {
		r.keyIdx = 0
		r.modelIdx = (r.modelIdx + 1) % len(r.models)
	}
	return cred, model
}

// NextModel returns the next model from an independent pure round robin,
// for callers that need a model choice without consuming a key slot.
func (r *Rotator) NextModel() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	model := r.models[r.cycleIdx]
	r.cycleIdx = (r.cycleIdx + 1) % len(r.models)
	return model
}

// Credentials returns a copy of the credential list for read-only use by
// the probe subsystem.
func (r *Rotator) Credentials() []Credential {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Credential, len(r.creds))
	copy(out, r.creds)
	return out
}

// Models returns a copy of the configured model list.
func (r *Rotator) Models() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]string(nil), r.models...)
}

// Annotate records a probe verdict for the credential at index. Annotations
// never remove a credential from rotation.
func (r *Rotator) Annotate(index int, valid bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if index < 0 || index >= len(r.creds) {
		return
	}
	r.validity[index] = valid
}

// Validity reports the probe verdict for a credential index. probed is
// false when no probe has run against it.
func (r *Rotator) Validity(index int) (valid, probed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	valid, probed = r.validity[index]
	return valid, probed
}

// SwapCredentials replaces the credential list wholesale and resets the
// cursors and annotations. Used at startup when configuration discards
// probed-invalid keys; the swap is atomic with respect to Select.
func (r *Rotator) SwapCredentials(keys []string) error {
	if len(keys) == 0 {
		return ErrNoCredentials
	}

	creds := make([]Credential, len(keys))
	for i, key := range keys {
		creds[i] = Credential{Index: i, Key: key}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.creds = creds
	r.keyIdx = 0
	r.modelIdx = 0
	r.validity = make(map[int]bool)
	return nil
}
