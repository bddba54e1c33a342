package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/your-org/box-spread-bot/internal/pnl"
	"github.com/your-org/box-spread-bot/internal/position"
)

// UserPositions は1ユーザーのポジションと確定損益です。
type UserPositions struct {
	UserID      string           `json:"user_id"`
	RealizedPnL float64          `json:"realized_pnl"`
	Legs        []position.State `json:"legs"`
}

// PositionsResponse は /positions のレスポンスです。
type PositionsResponse struct {
	Users            []UserPositions `json:"users"`
	TotalRealizedPnL float64         `json:"total_realized_pnl"`
}

// PositionsHandler はポジション関連のHTTPリクエストを処理します。
type PositionsHandler struct {
	tracker *position.Tracker
	pnl     *pnl.Calculator
}

// NewPositionsHandler は新しいPositionsHandlerを作成します。
func NewPositionsHandler(tracker *position.Tracker, calc *pnl.Calculator) *PositionsHandler {
	return &PositionsHandler{tracker: tracker, pnl: calc}
}

// RegisterRoutes はchiルーターにポジション関連のルートを登録します。
func (h *PositionsHandler) RegisterRoutes(r chi.Router) {
	r.Get("/positions", h.GetPositions)
	r.Get("/positions/{userID}", h.GetUserPositions)
}

// GetPositions は全ユーザーのポジションを返します。
func (h *PositionsHandler) GetPositions(w http.ResponseWriter, r *http.Request) {
	resp := PositionsResponse{Users: []UserPositions{}, TotalRealizedPnL: h.pnl.Total()}
	byUser := make(map[string]int)
	for _, st := range h.tracker.Snapshot() {
		i, ok := byUser[st.UserID]
		if !ok {
			i = len(resp.Users)
			byUser[st.UserID] = i
			resp.Users = append(resp.Users, UserPositions{UserID: st.UserID, RealizedPnL: h.pnl.GetRealizedPnL(st.UserID)})
		}
		resp.Users[i].Legs = append(resp.Users[i].Legs, st)
	}
	writeJSON(w, resp)
}

// GetUserPositions は指定ユーザーのポジションを返します。
func (h *PositionsHandler) GetUserPositions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	legs := h.tracker.User(userID)
	if len(legs) == 0 {
		http.Error(w, "user not found", http.StatusNotFound)
		return
	}
	writeJSON(w, UserPositions{UserID: userID, RealizedPnL: h.pnl.GetRealizedPnL(userID), Legs: legs})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "Failed to encode response to JSON", http.StatusInternalServerError)
	}
}
