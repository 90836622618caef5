package market

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"repro_market/pkg/prng"
)

var orderNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("repro-market:work-order"))

// Paper is the subset of paper metadata the factory needs.
type Paper struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
	// Bounty is the paper's bounty size; DefaultBounty applies when nil.
	Bounty *decimal.Decimal `json:"bounty,omitempty"`
}

// EvidencePointer references a figure, table, dataset or file backing a claim.
type EvidencePointer struct {
	ID      string `json:"id"`
	Kind    string `json:"kind,omitempty"`
	Label   string `json:"label,omitempty"`
	Locator string `json:"locator,omitempty"`
}

// Summary formats the pointer for display on a work order.
func (e EvidencePointer) Summary() string {
	label := e.Label
	if label == "" {
		label = e.ID
	}
	out := label
	if e.Kind != "" {
		out = fmt.Sprintf("[%s] %s", e.Kind, label)
	}
	if e.Locator != "" {
		out += " @ " + e.Locator
	}
	return out
}

// PaperClaim is one claim extracted from a paper.
type PaperClaim struct {
	Title string `json:"title,omitempty"`
	Text  string `json:"text"`
}

var defaultChecks = []PaperClaim{
	{
		Title: "Artifact integrity",
		Text:  "Released code, data and checksums match the artifacts referenced by the paper.",
	},
	{
		Title: "Statistical sanity",
		Text:  "Reported sample sizes, test statistics, p-values and effect sizes are mutually consistent.",
	},
	{
		Title: "Randomized-subsample reproduction",
		Text:  "The headline result reproduces on a seeded random subsample of the evaluation data.",
	},
}

// GenerateWorkOrders turns a paper's claims into open work orders, one per
// claim, or one per default check when the paper has no claims. The result
// depends only on the arguments.
func (e *Engine) GenerateWorkOrders(paper Paper, evidence []EvidencePointer, claims []PaperClaim, now time.Time) ([]WorkOrder, error) {
	if strings.TrimSpace(paper.ID) == "" {
		return nil, failf(ErrInvalidInput, "", "paper id cannot be empty")
	}
	bounty := e.rules.DefaultBounty
	if paper.Bounty != nil {
		if paper.Bounty.IsNegative() {
			return nil, failf(ErrInvalidInput, "", "paper bounty cannot be negative")
		}
		bounty = *paper.Bounty
	}
	terms := TermsForBounty(bounty)

	checks := make([]PaperClaim, 0, len(claims))
	for _, c := range claims {
		if strings.TrimSpace(c.Text) != "" {
			checks = append(checks, c)
		}
	}
	if len(checks) == 0 {
		checks = defaultChecks
	}

	evidenceIDs := make([]string, 0, len(evidence))
	summaries := make([]string, 0, len(evidence))
	for _, ev := range evidence {
		if ev.ID == "" {
			continue
		}
		evidenceIDs = append(evidenceIDs, ev.ID)
		summaries = append(summaries, ev.Summary())
	}

	orders := make([]WorkOrder, 0, len(checks))
	for i, c := range checks {
		text := strings.TrimSpace(c.Text)
		id := uuid.NewSHA1(orderNamespace, []byte(prng.Key(paper.ID, i, text))).String()
		order := WorkOrder{
			ID:                id,
			PaperID:           paper.ID,
			Title:             orderTitle(i, c),
			ClaimText:         text,
			EvidenceIDs:       cloneStrings(evidenceIDs),
			EvidenceSummaries: cloneStrings(summaries),
			Terms:             terms,
			Status:            StatusOpen,
			CreatedAt:         now,
		}
		e.seedOrder(&order)
		orders = append(orders, order)
	}
	return orders, nil
}

// Fork re-issues an order as a new open order with the same terms and a
// freshly seeded subsample. The source order is not modified.
func (e *Engine) Fork(source WorkOrder, now time.Time) WorkOrder {
	return e.fork(source, 0, now)
}

// ForkIn forks orderID and adds the fork to st. The fork id is keyed on how
// many forks the source already has, so repeated forks at the same instant
// get distinct ids and seeds.
func (e *Engine) ForkIn(st Store, orderID string, now time.Time) (Store, WorkOrder, error) {
	i, err := st.locate(orderID)
	if err != nil {
		return Store{}, WorkOrder{}, err
	}
	source := st.Orders[i]

	n := 0
	for _, o := range st.Orders {
		if o.ForkOf == source.ID {
			n++
		}
	}
	fork := e.fork(source, n, now)
	next, err := st.AddOrders(now, fork)
	if err != nil {
		return Store{}, WorkOrder{}, err
	}
	return next, fork, nil
}

func (e *Engine) fork(source WorkOrder, n int, now time.Time) WorkOrder {
	id := uuid.NewSHA1(orderNamespace, []byte(prng.Key(source.ID, "fork", n, now.UnixNano()))).String()
	order := WorkOrder{
		ID:                id,
		PaperID:           source.PaperID,
		Title:             source.Title,
		ClaimText:         source.ClaimText,
		EvidenceIDs:       cloneStrings(source.EvidenceIDs),
		EvidenceSummaries: cloneStrings(source.EvidenceSummaries),
		Terms:             source.Terms,
		Status:            StatusOpen,
		ForkOf:            source.ID,
		CreatedAt:         now,
	}
	e.seedOrder(&order)
	return order
}

// seedOrder derives the order's seed from its identity and fills in the
// subsample and notebook that depend on it.
func (e *Engine) seedOrder(o *WorkOrder) {
	o.Seed = prng.Hash32(prng.Key(o.PaperID, o.ID, "subsample"))
	o.Subsample = e.subsample(o.Seed)
	o.Notebook = notebookFor(*o)
}

func (e *Engine) subsample(seed uint32) Subsample {
	drawn := prng.Sample(seed, e.rules.PoolSize, e.rules.SampleSize)
	surfacedN := e.rules.SurfacedSize
	if surfacedN > len(drawn) {
		surfacedN = len(drawn)
	}
	surfaced := cloneInts(drawn[:surfacedN])
	sort.Ints(surfaced)
	indices := cloneInts(drawn)
	sort.Ints(indices)
	return Subsample{
		PoolSize:   e.rules.PoolSize,
		SampleSize: len(drawn),
		Indices:    indices,
		Surfaced:   surfaced,
	}
}

func orderTitle(i int, c PaperClaim) string {
	if t := strings.TrimSpace(c.Title); t != "" {
		return t
	}
	text := strings.TrimSpace(c.Text)
	if r := []rune(text); len(r) > 60 {
		text = strings.TrimSpace(string(r[:60])) + "..."
	}
	return fmt.Sprintf("Claim %d: %s", i+1, text)
}

func notebookFor(o WorkOrder) Notebook {
	evidence := strings.Join(o.EvidenceIDs, ",")
	if evidence == "" {
		evidence = "all"
	}
	return Notebook{
		Kernel: "python3",
		Steps: []NotebookStep{
			{Title: "Fetch artifacts", Command: fmt.Sprintf("repro fetch --paper %s --evidence %s", o.PaperID, evidence)},
			{Title: "Verify checksums", Command: "repro verify --manifest artifacts/MANIFEST.sha256"},
			{Title: "Materialize subsample", Command: fmt.Sprintf("repro subsample --seed %d --pool %d --size %d --out subsample.json", o.Seed, o.Subsample.PoolSize, o.Subsample.SampleSize)},
			{Title: "Re-run analysis", Command: fmt.Sprintf("repro run --order %s --subsample subsample.json --out results/", o.ID)},
			{Title: "Compare with reported values", Command: fmt.Sprintf("repro compare --order %s --results results/ --tolerance 0.05", o.ID)},
			{Title: "Package verdict", Command: fmt.Sprintf("repro package --order %s --out artifact.tar.gz", o.ID)},
		},
	}
}
