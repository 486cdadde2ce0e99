// Package probe validates pool credentials against the live upstream with a
// minimal one-token request per key.
package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ccpool/internal/classify"
	"ccpool/internal/models"
	"ccpool/internal/rotation"
	"ccpool/internal/upstream"
)

// ErrAllKeysInvalid means a discard pass would leave the pool empty.
var ErrAllKeysInvalid = errors.New("all configured credentials failed validation")

const (
	// StatusValid means the upstream accepted the key.
	StatusValid = "valid"
	// StatusInvalid means the upstream rejected the key as a credential.
	StatusInvalid = "invalid"
	// StatusInconclusive covers failures that say nothing about the key,
	// such as rate limits or upstream outages.
	StatusInconclusive = "inconclusive"
)

const probeConcurrency = 8

// KeyReport is the verdict for one credential. Key is the redacted preview,
// never the full secret.
type KeyReport struct {
	Index  int    `json:"index"`
	Key    string `json:"key"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Report summarises one probe pass over the whole pool.
type Report struct {
	Total           int         `json:"total"`
	Valid           int         `json:"valid"`
	Invalid         int         `json:"invalid"`
	Inconclusive    int         `json:"inconclusive"`
	Keys            []KeyReport `json:"keys"`
	Recommendations []string    `json:"recommendations"`
}

type Prober struct {
	client  *upstream.Client
	rotator *rotation.Rotator
	timeout time.Duration
}

// New builds a prober over the live pool and client.
func New(client *upstream.Client, rotator *rotation.Rotator, timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Prober{client: client, rotator: rotator, timeout: timeout}
}

// Run probes every credential concurrently and annotates the rotator with
// the definitive verdicts. Inconclusive results leave no annotation.
func (p *Prober) Run(ctx context.Context) Report {
	creds := p.rotator.Credentials()
	reports := make([]KeyReport, len(creds))

	var wg sync.WaitGroup
	sem := make(chan struct{}, probeConcurrency)
	for i, cred := range creds {
		wg.Add(1)
		go func(i int, cred rotation.Credential) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			reports[i] = p.probeOne(ctx, cred)
		}(i, cred)
	}
	wg.Wait()

	report := Report{Total: len(creds), Keys: reports}
	for _, kr := range reports {
		switch kr.Status {
		case StatusValid:
			report.Valid++
		case StatusInvalid:
			report.Invalid++
		default:
			report.Inconclusive++
		}
	}
	report.Recommendations = recommendations(report)
	return report
}

func recommendations(r Report) []string {
	var recs []string
	if r.Invalid > 0 {
		recs = append(recs,
			fmt.Sprintf("remove or replace %d invalid key(s) in the configuration", r.Invalid),
			"check whether the rejected keys were revoked upstream",
		)
	}
	if r.Inconclusive > 0 {
		recs = append(recs, fmt.Sprintf("re-run validation for %d key(s) with inconclusive results", r.Inconclusive))
	}
	if r.Valid == 0 {
		recs = append(recs, "CRITICAL: no key validated successfully, the service may not work")
	}
	return recs
}

// DiscardInvalid runs a probe pass and removes the rejected credentials from
// rotation. Inconclusive keys stay in the pool; a transient upstream problem
// must not shrink it.
func (p *Prober) DiscardInvalid(ctx context.Context) (Report, error) {
	report := p.Run(ctx)
	if report.Invalid == 0 {
		return report, nil
	}

	creds := p.rotator.Credentials()
	kept := make([]string, 0, len(creds))
	for i, kr := range report.Keys {
		if kr.Status != StatusInvalid {
			kept = append(kept, creds[i].Key)
		}
	}
	if len(kept) == 0 {
		return report, ErrAllKeysInvalid
	}

	if err := p.rotator.SwapCredentials(kept); err != nil {
		return report, err
	}
	slog.Info("discarded invalid credentials", "removed", report.Invalid, "remaining", len(kept))
	return report, nil
}

func (p *Prober) probeOne(ctx context.Context, cred rotation.Credential) KeyReport {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	one := 1
	req := models.ChatRequest{
		Model:     p.rotator.NextModel(),
		MaxTokens: &one,
		Messages: []models.ChatMessage{{
			Role:    models.RoleUser,
			Content: "hi",
		}},
	}

	report := KeyReport{Index: cred.Index, Key: cred.Preview()}
	_, err := p.client.CreateChatCompletion(ctx, cred.Key, req)
	if err == nil {
		report.Status = StatusValid
		p.rotator.Annotate(cred.Index, true)
		return report
	}

	env := classify.Classify(err)
	report.Error = env.Message
	if env.Category == classify.Authentication {
		report.Status = StatusInvalid
		p.rotator.Annotate(cred.Index, false)
	} else {
		report.Status = StatusInconclusive
	}
	return report
}
