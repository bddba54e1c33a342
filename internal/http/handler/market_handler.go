package handler

import (
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/your-org/box-spread-bot/internal/market"
)

// SnapshotSource は監視中のペアの最新スナップショットを返します。*market.Observer が実装します。
type SnapshotSource interface {
	Latest(name string) (*market.Snapshot, bool)
}

// LegMarket は1レッグの最新気配とEWMA指標です。
type LegMarket struct {
	LegKey     string    `json:"leg_key"`
	Bid        float64   `json:"bid"`
	Ask        float64   `json:"ask"`
	Time       time.Time `json:"time"`
	Drift      float64   `json:"ewma_return"`
	Volatility float64   `json:"ewm_volatility"`
}

// PairMarket は1ペアのスナップショットです。
type PairMarket struct {
	Pair  string      `json:"pair"`
	Seq   uint64      `json:"seq"`
	Taken time.Time   `json:"taken"`
	Legs  []LegMarket `json:"legs"`
}

// MarketHandler は監視中ペアの気配を返します。
type MarketHandler struct {
	source SnapshotSource
	pairs  []string
}

// NewMarketHandler は新しいMarketHandlerを作成します。
func NewMarketHandler(source SnapshotSource, pairs ...string) *MarketHandler {
	return &MarketHandler{source: source, pairs: pairs}
}

// RegisterRoutes はchiルーターに /market を登録します。
func (h *MarketHandler) RegisterRoutes(r chi.Router) {
	r.Get("/market", h.GetMarket)
}

// GetMarket はスナップショットが公開済みのペアだけを返します。
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	out := []PairMarket{}
	for _, name := range h.pairs {
		s, ok := h.source.Latest(name)
		if !ok {
			continue
		}
		pm := PairMarket{Pair: s.Pair, Seq: s.Seq, Taken: s.Taken}
		for key, q := range s.Quotes {
			pm.Legs = append(pm.Legs, LegMarket{LegKey: key, Bid: q.Bid, Ask: q.Ask, Time: q.Time, Drift: q.Drift, Volatility: q.Vol})
		}
		sort.Slice(pm.Legs, func(i, j int) bool { return pm.Legs[i].LegKey < pm.Legs[j].LegKey })
		out = append(out, pm)
	}
	writeJSON(w, out)
}
