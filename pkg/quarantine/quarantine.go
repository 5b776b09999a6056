// Package quarantine is the boundary between raw outside text and the
// record. Nothing crosses it unprocessed: submissions are normalized,
// condensed by an isolated summarizer, size-bounded, schema-validated
// and admitted by deterministic rules. Agents only ever see the
// structured summary; the raw text stops here.
package quarantine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"

	"github.com/synod-labs/synod/pkg/canonical"
)

// RefPrefix marks content-addressed summary references. An utterance's
// summary_ref carries one of these.
const RefPrefix = "sum_"

// Submission sources. The admission rules refuse anything else.
const (
	SourceSeeker    = "seeker"
	SourceOperator  = "operator"
	SourceCarryover = "carryover"
)

var (
	ErrEmptySubmission = errors.New("quarantine: empty submission")
	ErrOversize        = errors.New("quarantine: submission exceeds raw size bound")
	ErrRefused         = errors.New("quarantine: summary refused by admission rule")
)

// Submission is raw outside material. It is never stored and never
// reaches an event body.
type Submission struct {
	Source string
	Kind   string
	Text   string
}

// Summary is the only shape of outside material agents may see. Ref is
// content-addressed over the rest of the fields, so two boundaries
// given the same submission produce the same reference.
type Summary struct {
	Ref       string   `json:"ref"`
	Source    string   `json:"source"`
	Kind      string   `json:"kind"`
	Title     string   `json:"title"`
	Abstract  string   `json:"abstract"`
	Topics    []string `json:"topics,omitempty"`
	RawLength int      `json:"raw_length"`
	Truncated bool     `json:"truncated,omitempty"`
}

// Limits bound what the boundary accepts and what it lets out. The
// schema carries absolute ceilings; these are the operational bounds
// within them.
type Limits struct {
	MaxRawBytes      int
	MaxTitleRunes    int
	MaxAbstractRunes int
	MaxTopics        int
	MaxTopicRunes    int
}

func DefaultLimits() Limits {
	return Limits{
		MaxRawBytes:      256 << 10,
		MaxTitleRunes:    140,
		MaxAbstractRunes: 1200,
		MaxTopics:        8,
		MaxTopicRunes:    48,
	}
}

// summarySchema is the structural contract on anything leaving the
// boundary. Ceilings here are absolute; Limits tighten within them.
const summarySchema = `{
  "type": "object",
  "properties": {
    "ref": {"type": "string", "pattern": "^sum_[0-9a-f]{64}$"},
    "source": {"type": "string", "enum": ["seeker", "operator", "carryover"]},
    "kind": {"type": "string", "minLength": 1},
    "title": {"type": "string", "minLength": 1, "maxLength": 512},
    "abstract": {"type": "string", "minLength": 1, "maxLength": 8192},
    "topics": {
      "type": "array",
      "items": {"type": "string", "minLength": 1, "maxLength": 96},
      "maxItems": 32
    },
    "raw_length": {"type": "integer", "minimum": 0},
    "truncated": {"type": "boolean"}
  },
  "required": ["ref", "source", "kind", "title", "abstract", "raw_length"],
  "additionalProperties": false
}`

// Boundary runs the full quarantine pass. The summarizer inside it is
// a collaborator, not a trusted component: everything it returns is
// re-normalized, clipped and validated before admission.
type Boundary struct {
	summarizer Summarizer
	admission  *Admission
	schema     *jsonschema.Schema
	limits     Limits
	logger     *slog.Logger
}

func NewBoundary(summarizer Summarizer, admission *Admission, limits Limits) (*Boundary, error) {
	if summarizer == nil {
		return nil, errors.New("quarantine: summarizer required")
	}
	if admission == nil {
		return nil, errors.New("quarantine: admission rules required")
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const url = "https://synod.schemas.local/quarantine/summary.schema.json"
	if err := c.AddResource(url, strings.NewReader(summarySchema)); err != nil {
		return nil, fmt.Errorf("quarantine: schema load: %w", err)
	}
	s, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("quarantine: schema compile: %w", err)
	}
	return &Boundary{
		summarizer: summarizer,
		admission:  admission,
		schema:     s,
		limits:     limits,
		logger:     slog.Default().With("component", "quarantine"),
	}, nil
}

// Process takes one raw submission all the way through the boundary.
// On success the returned summary is admitted material: normalized,
// bounded, schema-valid and rule-approved, with a stable ref.
func (b *Boundary) Process(ctx context.Context, sub Submission) (Summary, error) {
	if len(sub.Text) > b.limits.MaxRawBytes {
		return Summary{}, fmt.Errorf("%w: %d bytes over %d",
			ErrOversize, len(sub.Text), b.limits.MaxRawBytes)
	}
	text := normalizeText(sub.Text)
	if text == "" {
		return Summary{}, ErrEmptySubmission
	}

	draft, err := b.summarizer.Summarize(ctx, Submission{
		Source: sub.Source,
		Kind:   sub.Kind,
		Text:   text,
	})
	if err != nil {
		return Summary{}, fmt.Errorf("quarantine: summarizer: %w", err)
	}

	// Boundary-authoritative fields. The summarizer's claims about
	// origin are discarded.
	sum := Summary{
		Source:    sub.Source,
		Kind:      sub.Kind,
		RawLength: utf8.RuneCountInString(text),
	}
	sum.Title, sum.Truncated = clip(normalizeText(draft.Title), b.limits.MaxTitleRunes)
	abstract, cut := clip(normalizeText(draft.Abstract), b.limits.MaxAbstractRunes)
	sum.Abstract = abstract
	sum.Truncated = sum.Truncated || cut || draft.Truncated
	for _, topic := range draft.Topics {
		if len(sum.Topics) == b.limits.MaxTopics {
			sum.Truncated = true
			break
		}
		t, cut := clip(normalizeText(topic), b.limits.MaxTopicRunes)
		if t == "" {
			continue
		}
		sum.Truncated = sum.Truncated || cut
		sum.Topics = append(sum.Topics, t)
	}

	ref, err := refFor(sum)
	if err != nil {
		return Summary{}, fmt.Errorf("quarantine: ref: %w", err)
	}
	sum.Ref = ref

	if err := b.validate(sum); err != nil {
		return Summary{}, err
	}
	if err := b.admission.Admit(sum); err != nil {
		return Summary{}, err
	}

	b.logger.Info("submission admitted",
		"ref", sum.Ref, "source", sum.Source, "kind", sum.Kind,
		"raw_runes", sum.RawLength, "truncated", sum.Truncated)
	return sum, nil
}

func (b *Boundary) validate(sum Summary) error {
	m, err := toMap(sum)
	if err != nil {
		return fmt.Errorf("quarantine: summary serialize: %w", err)
	}
	if err := b.schema.Validate(m); err != nil {
		return fmt.Errorf("quarantine: summary schema: %w", err)
	}
	return nil
}

// refFor content-addresses a summary over everything but the ref
// field itself.
func refFor(sum Summary) (string, error) {
	sum.Ref = ""
	raw, err := canonical.Marshal(sum)
	if err != nil {
		return "", err
	}
	digest := canonical.HashBytes(raw)
	return RefPrefix + strings.TrimPrefix(digest, canonical.HashPrefix), nil
}

// ValidRef reports whether s looks like a boundary-issued reference.
func ValidRef(s string) bool {
	hexPart, ok := strings.CutPrefix(s, RefPrefix)
	if !ok || len(hexPart) != 64 {
		return false
	}
	for _, r := range hexPart {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}

// normalizeText brings outside text into one canonical shape: NFC,
// width-folded, control and invisible direction characters stripped.
// Two submissions that render identically hash identically.
func normalizeText(s string) string {
	s = width.Fold.String(norm.NFC.String(s))
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\n' || r == '\t':
			b.WriteRune(r)
		case unicode.IsControl(r) || isInvisible(r):
			continue
		default:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// isInvisible reports zero-width and direction-override characters,
// the usual vehicles for text that reads differently than it renders.
func isInvisible(r rune) bool {
	switch r {
	case '​', '‌', '‍', '‎', '‏', '\uFEFF':
		return true
	}
	return (r >= '‪' && r <= '‮') || (r >= '⁦' && r <= '⁩')
}

// clip truncates to n runes on a rune boundary, reporting whether
// anything was cut.
func clip(s string, n int) (string, bool) {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s, false
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:n])), true
}
