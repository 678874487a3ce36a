package keeper

import (
	"context"
	"sync"
)

// Fake is an in-memory Keeper for tests and local development. Tokens map to
// canned verification verdicts; reported usage is retained for inspection.
type Fake struct {
	mu         sync.Mutex
	verdicts   map[string]VerifyResponse
	reported   []UsageRecord
	reportErr  error
	acceptAll  bool
	allVerdict VerifyResponse
}

// NewFake creates a Fake with no known tokens: every verification fails.
func NewFake() *Fake {
	return &Fake{verdicts: make(map[string]VerifyResponse)}
}

// NewAlwaysAffordable creates a Fake that accepts any token as the given agent
// with an effectively unlimited balance.
func NewAlwaysAffordable(agentID string) *Fake {
	f := NewFake()
	f.acceptAll = true
	f.allVerdict = VerifyResponse{
		Valid:       true,
		AgentID:     agentID,
		Email:       agentID + "@example.com",
		Balance:     1e9,
		CostPerUnit: 0.10,
		CanAfford:   true,
	}
	return f
}

// SetVerdict registers the verification response for a token.
func (f *Fake) SetVerdict(token string, v VerifyResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verdicts[token] = v
}

// SetReportError makes subsequent ReportUsage calls fail with err (nil clears).
func (f *Fake) SetReportError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reportErr = err
}

// Reported returns a copy of every usage record accepted so far.
func (f *Fake) Reported() []UsageRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]UsageRecord, len(f.reported))
	copy(out, f.reported)
	return out
}

// Verify implements Keeper.
func (f *Fake) Verify(_ context.Context, token, _ string, _ float64) (*VerifyResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.acceptAll {
		v := f.allVerdict
		return &v, nil
	}
	if v, ok := f.verdicts[token]; ok {
		return &v, nil
	}
	return &VerifyResponse{Valid: false, Error: "Invalid token"}, nil
}

// ReportUsage implements Keeper.
func (f *Fake) ReportUsage(_ context.Context, records []UsageRecord) (*UsageResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reportErr != nil {
		return nil, f.reportErr
	}
	f.reported = append(f.reported, records...)
	total := 0.0
	for _, rec := range records {
		total += rec.Quantity * 0.10
	}
	return &UsageResponse{Processed: len(records), TotalCreditsDeducted: total}, nil
}
