package threat

import (
	"errors"
	"math"
	"strings"
	"time"
)

// Bucket names the three score buckets.
type Bucket string

const (
	BucketRisk      Bucket = "risk"
	BucketTechnical Bucket = "technical"
	BucketMarket    Bucket = "market"
)

// ErrUnknown marks a heuristic that could not produce evidence. Its
// contribution is unknown, not zero; absence of evidence raises uncertainty.
var ErrUnknown = errors.New("heuristic evidence unavailable")

// Heuristic scores one aspect of a token. Score semantics: 0 is benign, 1 is
// maximally risky.
type Heuristic struct {
	Name   string
	Bucket Bucket
	Weight float64
	Fn     func(s *Subject) (float64, error)
}

// hostileExtensions is the known-hostile token-extension set.
var hostileExtensions = map[string]bool{
	"permanent_delegate":    true,
	"transfer_hook":         true,
	"confidential_transfer": true,
	"default_account_state": true,
}

// boolScore maps a risky condition to its score.
func boolScore(risky bool) float64 {
	if risky {
		return 1
	}
	return 0
}

func needFacts(s *Subject) error {
	if s.Facts == nil {
		return ErrUnknown
	}
	return nil
}

// defaultHeuristics enumerates the full heuristic set. Weights are relative
// within a bucket.
func defaultHeuristics() []Heuristic {
	return []Heuristic{
		// ---- Risk signals (composite weight 40%) ----
		{Name: "honeypot_probe", Bucket: BucketRisk, Weight: 2.0, Fn: func(s *Subject) (float64, error) {
			if err := needFacts(s); err != nil {
				return 0, err
			}
			return boolScore(!s.Facts.SellProbeOK), nil
		}},
		{Name: "mint_authority", Bucket: BucketRisk, Weight: 1.5, Fn: func(s *Subject) (float64, error) {
			if err := needFacts(s); err != nil {
				return 0, err
			}
			return boolScore(s.Facts.MintAuthorityPresent), nil
		}},
		{Name: "freeze_authority", Bucket: BucketRisk, Weight: 1.5, Fn: func(s *Subject) (float64, error) {
			if err := needFacts(s); err != nil {
				return 0, err
			}
			return boolScore(s.Facts.FreezeAuthorityPresent), nil
		}},
		{Name: "metadata_mutability", Bucket: BucketRisk, Weight: 0.5, Fn: func(s *Subject) (float64, error) {
			if err := needFacts(s); err != nil {
				return 0, err
			}
			return boolScore(s.Facts.MetadataMutable), nil
		}},
		{Name: "permanent_delegate", Bucket: BucketRisk, Weight: 1.5, Fn: func(s *Subject) (float64, error) {
			if err := needFacts(s); err != nil {
				return 0, err
			}
			return boolScore(s.Facts.PermanentDelegate), nil
		}},
		{Name: "transfer_hook", Bucket: BucketRisk, Weight: 1.0, Fn: func(s *Subject) (float64, error) {
			if err := needFacts(s); err != nil {
				return 0, err
			}
			return boolScore(s.Facts.TransferHook), nil
		}},
		{Name: "holder_concentration", Bucket: BucketRisk, Weight: 1.5, Fn: func(s *Subject) (float64, error) {
			if err := needFacts(s); err != nil {
				return 0, err
			}
			if len(s.Facts.TopHolders) == 0 {
				return 0, ErrUnknown
			}
			top := 0.0
			for i, h := range s.Facts.TopHolders {
				if i >= 10 {
					break
				}
				top += h.Share
			}
			// >80% in the top ten is effectively a rug switch.
			return clamp01(top / 0.8), nil
		}},
		{Name: "liquidity_lock", Bucket: BucketRisk, Weight: 1.0, Fn: func(s *Subject) (float64, error) {
			if err := needFacts(s); err != nil {
				return 0, err
			}
			return boolScore(!s.Facts.LiquidityLocked), nil
		}},
		{Name: "creator_reputation", Bucket: BucketRisk, Weight: 1.5, Fn: func(s *Subject) (float64, error) {
			if s.Reputation == nil {
				return 0, ErrUnknown
			}
			r := s.Reputation
			if r.Launches == 0 {
				return 0.5, nil // unknown creator: neutral prior
			}
			rugRate := float64(r.Rugs) / float64(r.Launches)
			gradRate := float64(r.Graduated) / float64(r.Launches)
			return clamp01(rugRate*1.2 - gradRate*0.4 + 0.2), nil
		}},
		{Name: "creator_blacklist", Bucket: BucketRisk, Weight: 2.0, Fn: func(s *Subject) (float64, error) {
			return boolScore(s.BlacklistedCreator), nil
		}},
		{Name: "wash_trading", Bucket: BucketRisk, Weight: 1.0, Fn: func(s *Subject) (float64, error) {
			if s.WashCycles < 0 {
				return 0, ErrUnknown
			}
			return clamp01(float64(s.WashCycles) / 3), nil
		}},
		{Name: "coordinated_buying", Bucket: BucketRisk, Weight: 1.0, Fn: func(s *Subject) (float64, error) {
			if s.CoordShare < 0 {
				return 0, ErrUnknown
			}
			// Over half the early buyers funded from one cluster.
			return clamp01(s.CoordShare / 0.5), nil
		}},
		{Name: "dev_holding", Bucket: BucketRisk, Weight: 0.5, Fn: func(s *Subject) (float64, error) {
			if err := needFacts(s); err != nil {
				return 0, err
			}
			for _, h := range s.Facts.TopHolders {
				if h.Address == s.Event.Creator {
					return clamp01(h.Share / 0.3), nil
				}
			}
			return 0, nil
		}},
		{Name: "authority_combo", Bucket: BucketRisk, Weight: 0.5, Fn: func(s *Subject) (float64, error) {
			if err := needFacts(s); err != nil {
				return 0, err
			}
			// Both authorities retained together is worse than either alone.
			return boolScore(s.Facts.MintAuthorityPresent && s.Facts.FreezeAuthorityPresent), nil
		}},
		{Name: "top_holder_single", Bucket: BucketRisk, Weight: 0.5, Fn: func(s *Subject) (float64, error) {
			if err := needFacts(s); err != nil {
				return 0, err
			}
			if len(s.Facts.TopHolders) == 0 {
				return 0, ErrUnknown
			}
			// One wallet over 40% can exit the whole market alone.
			return clamp01(s.Facts.TopHolders[0].Share / 0.4), nil
		}},

		// ---- Technical integrity (composite weight 30%) ----
		{Name: "program_owner", Bucket: BucketTechnical, Weight: 1.5, Fn: func(s *Subject) (float64, error) {
			if err := needFacts(s); err != nil {
				return 0, err
			}
			switch s.Facts.ProgramOwner {
			case "spl-token", "spl-token-2022":
				return 0, nil
			case "":
				return 0, ErrUnknown
			default:
				return 1, nil
			}
		}},
		{Name: "hostile_extensions", Bucket: BucketTechnical, Weight: 1.5, Fn: func(s *Subject) (float64, error) {
			if err := needFacts(s); err != nil {
				return 0, err
			}
			hostile := 0
			for _, ext := range s.Facts.Extensions {
				if hostileExtensions[ext] {
					hostile++
				}
			}
			return clamp01(float64(hostile) / 2), nil
		}},
		{Name: "symbol_sanity", Bucket: BucketTechnical, Weight: 0.5, Fn: func(s *Subject) (float64, error) {
			if err := needFacts(s); err != nil {
				return 0, err
			}
			sym := s.Facts.Symbol
			if sym == "" || len(sym) > 12 {
				return 1, nil
			}
			return boolScore(strings.ContainsAny(sym, " \t\n")), nil
		}},
		{Name: "name_sanity", Bucket: BucketTechnical, Weight: 0.5, Fn: func(s *Subject) (float64, error) {
			if err := needFacts(s); err != nil {
				return 0, err
			}
			name := s.Facts.Name
			if name == "" || len(name) > 64 {
				return 1, nil
			}
			// Impersonation tells: URLs or claim words inside the name.
			lower := strings.ToLower(name)
			return boolScore(strings.Contains(lower, "http") || strings.Contains(lower, "airdrop")), nil
		}},
		{Name: "uri_reachability", Bucket: BucketTechnical, Weight: 0.5, Fn: func(s *Subject) (float64, error) {
			if err := needFacts(s); err != nil {
				return 0, err
			}
			if s.Facts.URI == "" {
				return 1, nil
			}
			return boolScore(!s.Facts.URIReachable), nil
		}},
		{Name: "mime_sanity", Bucket: BucketTechnical, Weight: 0.5, Fn: func(s *Subject) (float64, error) {
			if err := needFacts(s); err != nil {
				return 0, err
			}
			if !s.Facts.URIReachable {
				return 0, ErrUnknown
			}
			return boolScore(!s.Facts.MimeOK), nil
		}},
		{Name: "curve_price_sanity", Bucket: BucketTechnical, Weight: 1.5, Fn: func(s *Subject) (float64, error) {
			if err := needFacts(s); err != nil {
				return 0, err
			}
			exp := s.Facts.CurveExpectedPrice
			obs := s.Facts.ObservedPrice
			if exp.IsZero() || obs.IsZero() {
				return 0, ErrUnknown
			}
			dev, _ := obs.Sub(exp).Abs().Div(exp).Float64()
			// >25% deviation from the bonding-curve formula is manipulation.
			return clamp01(dev / 0.25), nil
		}},
		{Name: "extension_count", Bucket: BucketTechnical, Weight: 0.5, Fn: func(s *Subject) (float64, error) {
			if err := needFacts(s); err != nil {
				return 0, err
			}
			// A fresh launch token carrying many extensions is hiding
			// something; four or more saturates.
			return clamp01(float64(len(s.Facts.Extensions)) / 4), nil
		}},
		{Name: "decimals_sanity", Bucket: BucketTechnical, Weight: 0.5, Fn: func(s *Subject) (float64, error) {
			if err := needFacts(s); err != nil {
				return 0, err
			}
			d := s.Facts.Decimals
			return boolScore(d < 0 || d > 12), nil
		}},
		{Name: "supply_sanity", Bucket: BucketTechnical, Weight: 0.5, Fn: func(s *Subject) (float64, error) {
			if err := needFacts(s); err != nil {
				return 0, err
			}
			return boolScore(s.Facts.Supply.IsZero()), nil
		}},

		// ---- Market health (composite weight 30%) ----
		{Name: "liquidity_depth", Bucket: BucketMarket, Weight: 1.5, Fn: func(s *Subject) (float64, error) {
			if err := needFacts(s); err != nil {
				return 0, err
			}
			liq, _ := s.Facts.LiquidityBase.Float64()
			if liq <= 0 {
				return 1, nil
			}
			// 10 base units of depth scores fully liquid.
			return clamp01(1 - liq/10), nil
		}},
		{Name: "volume_profile", Bucket: BucketMarket, Weight: 1.0, Fn: func(s *Subject) (float64, error) {
			if err := needFacts(s); err != nil {
				return 0, err
			}
			if s.Facts.BaselineVolume.IsZero() {
				return 0, ErrUnknown
			}
			ratio, _ := s.Facts.Volume24hBase.Div(s.Facts.BaselineVolume).Float64()
			// Volume far below the age-normalized baseline means a dead or
			// faked market.
			return clamp01(1 - ratio), nil
		}},
		{Name: "age_maturity", Bucket: BucketMarket, Weight: 1.0, Fn: func(s *Subject) (float64, error) {
			// New tokens are riskier by default; risk decays over the first
			// 24 hours.
			age := s.Age
			if age < 0 {
				age = 0
			}
			return clamp01(1 - float64(age)/float64(24*time.Hour)), nil
		}},
		{Name: "holder_count", Bucket: BucketMarket, Weight: 1.0, Fn: func(s *Subject) (float64, error) {
			if err := needFacts(s); err != nil {
				return 0, err
			}
			if s.Facts.HolderCount <= 0 {
				return 1, nil
			}
			return clamp01(1 - float64(s.Facts.HolderCount)/200), nil
		}},
		{Name: "unique_buyers", Bucket: BucketMarket, Weight: 0.5, Fn: func(s *Subject) (float64, error) {
			if err := needFacts(s); err != nil {
				return 0, err
			}
			if s.Facts.UniqueBuyers <= 0 {
				return 0, ErrUnknown
			}
			return clamp01(1 - float64(s.Facts.UniqueBuyers)/100), nil
		}},
		{Name: "cross_source_confirmation", Bucket: BucketMarket, Weight: 0.5, Fn: func(s *Subject) (float64, error) {
			// A mint seen by several independent sources is less likely to
			// be a fabricated listing.
			if s.Observations <= 0 {
				return 0, ErrUnknown
			}
			return clamp01(1 - float64(s.Observations-1)/3), nil
		}},
	}
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
