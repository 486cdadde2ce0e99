package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ccpool/internal/models"
	"ccpool/internal/rotation"
	"ccpool/internal/upstream"
)

// keyed serves per-key verdicts: keys listed in bad get a 401, keys in busy
// get a 429, everything else succeeds.
func keyed(bad, busy []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		for _, b := range bad {
			if key == b {
				w.WriteHeader(http.StatusUnauthorized)
				fmt.Fprint(w, `{"error":{"message":"invalid api key"}}`)
				return
			}
		}
		for _, b := range busy {
			if key == b {
				w.WriteHeader(http.StatusTooManyRequests)
				fmt.Fprint(w, `{"error":{"message":"rate limit"}}`)
				return
			}
		}
		json.NewEncoder(w).Encode(models.ChatResponse{
			Choices: []models.ChatChoice{{
				Message:      models.ChatMessage{Role: models.RoleAssistant, Content: "ok"},
				FinishReason: "stop",
			}},
		})
	}
}

func newProber(t *testing.T, handler http.HandlerFunc, keys []string) (*Prober, *rotation.Rotator) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := upstream.New(srv.URL, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	rotator, err := rotation.New(keys, []string{"m1"})
	if err != nil {
		t.Fatal(err)
	}
	return New(client, rotator, 10*time.Second), rotator
}

func TestRunReportsPerKeyVerdicts(t *testing.T) {
	p, rotator := newProber(t, keyed([]string{"bad"}, []string{"busy"}), []string{"good", "bad", "busy"})

	report := p.Run(context.Background())

	if report.Total != 3 || report.Valid != 1 || report.Invalid != 1 || report.Inconclusive != 1 {
		t.Fatalf("summary: %+v", report)
	}
	if report.Keys[0].Status != StatusValid {
		t.Fatalf("good key: %+v", report.Keys[0])
	}
	if report.Keys[1].Status != StatusInvalid || report.Keys[1].Error == "" {
		t.Fatalf("bad key: %+v", report.Keys[1])
	}
	if report.Keys[2].Status != StatusInconclusive {
		t.Fatalf("busy key: %+v", report.Keys[2])
	}

	if valid, probed := rotator.Validity(0); !probed || !valid {
		t.Fatal("valid key must be annotated")
	}
	if valid, probed := rotator.Validity(1); !probed || valid {
		t.Fatal("invalid key must be annotated")
	}
	if _, probed := rotator.Validity(2); probed {
		t.Fatal("inconclusive keys must stay unannotated")
	}
}

func TestRunRecommendations(t *testing.T) {
	p, _ := newProber(t, keyed([]string{"bad"}, []string{"busy"}), []string{"good", "bad", "busy"})
	report := p.Run(context.Background())

	if len(report.Recommendations) == 0 {
		t.Fatal("failing keys must produce recommendations")
	}
	if !strings.Contains(report.Recommendations[0], "1 invalid key") {
		t.Fatalf("recommendations: %v", report.Recommendations)
	}
	for _, rec := range report.Recommendations {
		if strings.Contains(rec, "CRITICAL") {
			t.Fatalf("a pool with a valid key is not critical: %v", report.Recommendations)
		}
	}

	p, _ = newProber(t, keyed(nil, nil), []string{"good"})
	if report := p.Run(context.Background()); len(report.Recommendations) != 0 {
		t.Fatalf("a healthy pool needs no recommendations: %v", report.Recommendations)
	}
}

func TestRunAllInvalidIsCritical(t *testing.T) {
	p, _ := newProber(t, keyed([]string{"bad1", "bad2"}, nil), []string{"bad1", "bad2"})
	report := p.Run(context.Background())

	var critical bool
	for _, rec := range report.Recommendations {
		if strings.Contains(rec, "CRITICAL") {
			critical = true
		}
	}
	if !critical {
		t.Fatalf("a pool with zero valid keys must carry the critical warning: %v", report.Recommendations)
	}
}

func TestReportNeverLeaksFullKeys(t *testing.T) {
	secret := "sk-verysecretkey12345"
	p, _ := newProber(t, keyed(nil, nil), []string{secret})

	report := p.Run(context.Background())
	if report.Keys[0].Key == secret {
		t.Fatal("report must carry the preview, not the secret")
	}
	if !strings.HasPrefix(secret, strings.TrimSuffix(report.Keys[0].Key, "...")) {
		t.Fatalf("preview should be a prefix: %q", report.Keys[0].Key)
	}
}

func TestDiscardInvalidKeepsInconclusive(t *testing.T) {
	p, rotator := newProber(t, keyed([]string{"bad"}, []string{"busy"}), []string{"good", "bad", "busy"})

	report, err := p.DiscardInvalid(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Invalid != 1 {
		t.Fatalf("report: %+v", report)
	}

	creds := rotator.Credentials()
	if len(creds) != 2 {
		t.Fatalf("pool size after discard: %d", len(creds))
	}
	if creds[0].Key != "good" || creds[1].Key != "busy" {
		t.Fatalf("surviving keys: %+v", creds)
	}
}

func TestDiscardInvalidRefusesEmptyPool(t *testing.T) {
	p, rotator := newProber(t, keyed([]string{"bad1", "bad2"}, nil), []string{"bad1", "bad2"})

	_, err := p.DiscardInvalid(context.Background())
	if !errors.Is(err, ErrAllKeysInvalid) {
		t.Fatalf("want ErrAllKeysInvalid, got %v", err)
	}
	if len(rotator.Credentials()) != 2 {
		t.Fatal("pool must be left untouched when every key fails")
	}
}
