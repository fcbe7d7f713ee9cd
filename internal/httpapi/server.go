package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"papertrade/internal/domain"
	"papertrade/internal/quotes"
	"papertrade/internal/trade"
)

// Server serves the trading REST API.
type Server struct {
	coord  *trade.Coordinator
	quotes quotes.Service
	log    *slog.Logger
}

// NewServer creates a new API server over the coordinator.
func NewServer(coord *trade.Coordinator, qs quotes.Service, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{coord: coord, quotes: qs, log: log.With("component", "httpapi")}
}

// RegisterRoutes registers all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/orders", s.handleSubmitOrder)
	mux.HandleFunc("GET /api/orders", s.handleListOrders)
	mux.HandleFunc("GET /api/orders/{id}", s.handleGetOrder)
	mux.HandleFunc("DELETE /api/orders/{id}", s.handleCancelOrder)
	mux.HandleFunc("GET /api/portfolio/{user}", s.handlePortfolio)
	mux.HandleFunc("GET /api/quote/{symbol}", s.handleQuote)
	mux.HandleFunc("POST /api/admin/settle", s.handleSettle)
}

// Handler returns the http.Handler for the API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req SubmitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.UserID == "" || req.Symbol == "" {
		writeError(w, http.StatusBadRequest, "userId and symbol required")
		return
	}

	trigger := decimal.Zero
	if req.Trigger != "" {
		var err error
		if trigger, err = decimal.NewFromString(req.Trigger); err != nil {
			writeError(w, http.StatusBadRequest, "invalid trigger price")
			return
		}
	}

	order, res, err := s.coord.SubmitOrder(r.Context(), trade.SubmitRequest{
		UserID:   req.UserID,
		Symbol:   req.Symbol,
		Side:     domain.OrderSide(req.Side),
		Kind:     domain.OrderKind(req.Kind),
		Quantity: req.Quantity,
		Trigger:  trigger,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, convertSubmit(order, res))
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")
	if user == "" {
		writeError(w, http.StatusBadRequest, "user query param required")
		return
	}

	orders := s.coord.Engine().OrdersFor(user)
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})

	resp := OrdersResponse{Orders: []OrderJSON{}}
	for _, o := range orders {
		resp.Orders = append(resp.Orders, convertOrder(o))
	}
	writeJSON(w, resp)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.coord.Engine().Order(r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, convertOrder(order))
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")
	if user == "" {
		writeError(w, http.StatusBadRequest, "user query param required")
		return
	}
	if err := s.coord.Cancel(r.Context(), user, r.PathValue("id")); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	pf, err := s.coord.GetPortfolio(r.Context(), r.PathValue("user"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, convertPortfolio(pf))
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	q, err := s.quotes.GetQuote(r.Context(), r.PathValue("symbol"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	resp := QuoteJSON{
		Symbol:  q.Symbol,
		Price:   q.Price.String(),
		Session: string(q.Session),
		AsOf:    q.AsOf.UnixMilli(),
	}
	if !q.PrevClose.IsZero() {
		resp.PrevClose = q.PrevClose.String()
	}
	writeJSON(w, resp)
}

// handleSettle applies the T+1 rollover for today (or an explicit "day"
// query param). Normally the maintenance job runs this; the endpoint exists
// for operations and paper sessions on the static feed.
func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	day := r.URL.Query().Get("day")
	if day == "" {
		day = domain.Day(time.Now())
	} else if _, err := time.Parse("2006-01-02", day); err != nil {
		writeError(w, http.StatusBadRequest, "day must be YYYY-MM-DD")
		return
	}

	if err := s.coord.SettleDay(r.Context(), day); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, SettleResponse{Day: day})
}

// writeDomainError maps sentinel errors from the core onto HTTP statuses.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrUnknownAccount), errors.Is(err, domain.ErrUnknownOrder):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInsufficientFunds), errors.Is(err, domain.ErrInsufficientShares):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrInvalidState), errors.Is(err, domain.ErrAlreadyFilled):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrSettlementPending), errors.Is(err, domain.ErrMarketClosed),
		errors.Is(err, domain.ErrOutsideLimitBand):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrDataUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "error", err)
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
