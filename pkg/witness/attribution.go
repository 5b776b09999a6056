package witness

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/synod-labs/synod/pkg/contracts"
	"github.com/synod-labs/synod/pkg/fault"
	"github.com/synod-labs/synod/pkg/ledger"
	"github.com/synod-labs/synod/pkg/store"
)

// Attribution files precedent citations and challenges as ordinary
// chain events. A citation is persuasive material only; a challenge
// disputes one without rewriting anything. Neither touches the cited
// event.
type Attribution struct {
	ledger *ledger.Service
	logger *slog.Logger
}

func NewAttribution(l *ledger.Service) *Attribution {
	return &Attribution{
		ledger: l,
		logger: slog.Default().With("component", "witness.attribution"),
	}
}

// CiteRequest names a prior event as precedent.
type CiteRequest struct {
	ActorID      string
	Epoch        uint64
	CycleID      string
	ClientToken  string
	PrevHash     string
	CitedEventID string
	Grounds      string
	CitationKind string
}

// Cite appends a PrecedentCited event. The cited event must exist;
// binding is always false and not caller-settable.
func (a *Attribution) Cite(ctx context.Context, req CiteRequest) (*contracts.Event, error) {
	const op = "witness.cite"
	if _, err := a.ledger.Event(ctx, req.CitedEventID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fault.ForActor(fault.KindSchemaViolation, op, req.ActorID,
				"cited event "+req.CitedEventID+" does not exist")
		}
		return nil, err
	}
	return a.ledger.Append(ctx, ledger.AppendRequest{
		ActorID:     req.ActorID,
		Epoch:       req.Epoch,
		CycleID:     req.CycleID,
		Kind:        contracts.KindPrecedentCited,
		ClientToken: req.ClientToken,
		PrevHash:    req.PrevHash,
		Body: contracts.PrecedentCitedBody{
			CitedEventID: req.CitedEventID,
			Grounds:      req.Grounds,
			Binding:      false,
			CitationKind: req.CitationKind,
		},
	})
}

// ChallengeRequest disputes a standing citation.
type ChallengeRequest struct {
	ActorID         string
	Epoch           uint64
	CycleID         string
	ClientToken     string
	PrevHash        string
	CitationEventID string
	Grounds         string
}

// Challenge appends a PrecedentChallenged event against an existing
// PrecedentCited. The challenged citation stays on the chain; readers
// weigh the two side by side.
func (a *Attribution) Challenge(ctx context.Context, req ChallengeRequest) (*contracts.Event, error) {
	const op = "witness.challenge"
	citation, err := a.ledger.Event(ctx, req.CitationEventID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fault.ForActor(fault.KindSchemaViolation, op, req.ActorID,
				"citation event "+req.CitationEventID+" does not exist")
		}
		return nil, err
	}
	if citation.Kind != contracts.KindPrecedentCited {
		return nil, fault.ForActor(fault.KindSchemaViolation, op, req.ActorID,
			"event "+req.CitationEventID+" is not a citation")
	}
	var cited contracts.PrecedentCitedBody
	if err := json.Unmarshal(citation.Body, &cited); err != nil {
		return nil, fault.Wrap(fault.KindIntegrityFailure, op, err)
	}
	return a.ledger.Append(ctx, ledger.AppendRequest{
		ActorID:     req.ActorID,
		Epoch:       req.Epoch,
		CycleID:     req.CycleID,
		Kind:        contracts.KindPrecedentChallenged,
		ClientToken: req.ClientToken,
		PrevHash:    req.PrevHash,
		Body: contracts.PrecedentChallengedBody{
			CitationEventID: req.CitationEventID,
			CitedEventID:    cited.CitedEventID,
			Grounds:         req.Grounds,
		},
	})
}
