package persistence_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"LeverEngine/internal/event"
	"LeverEngine/internal/fixedpoint"
	"LeverEngine/internal/persistence"
)

func TestRow_FlattensEnvelope(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	env := event.Envelope{
		Sequence:  42,
		Type:      event.TypeFundingSettled,
		MarketID:  "mkt-1",
		Timestamp: ts,
		Payload: &event.FundingSettled{
			MarketID:     "mkt-1",
			FundingIndex: fixedpoint.MustParse("0.0003"),
			Timestamp:    ts,
		},
	}

	row := persistence.Row(env, zerolog.Nop())
	if row.Sequence != 42 {
		t.Fatalf("sequence = %d, want 42", row.Sequence)
	}
	if row.EventType != event.TypeFundingSettled.String() {
		t.Fatalf("event_type = %s", row.EventType)
	}
	if row.MarketID == nil || *row.MarketID != "mkt-1" {
		t.Fatalf("market_id = %v", row.MarketID)
	}

	var decoded event.FundingSettled
	if err := json.Unmarshal(row.Payload, &decoded); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if decoded.FundingIndex.Cmp(fixedpoint.MustParse("0.0003")) != 0 {
		t.Fatalf("funding_index = %s", decoded.FundingIndex)
	}
}

func TestRow_SystemEventHasNoMarket(t *testing.T) {
	env := event.Envelope{
		Sequence: 7,
		Type:     event.TypeChainRolledBack,
		Payload: &event.ChainRolledBack{
			ChainID:   uuid.New(),
			Owner:     uuid.New(),
			Reason:    "cycle",
			Timestamp: time.Now(),
		},
	}

	row := persistence.Row(env, zerolog.Nop())
	if row.MarketID != nil {
		t.Fatalf("market_id = %v, want nil", row.MarketID)
	}
}
