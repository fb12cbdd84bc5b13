package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"roadside/internal/dispatch"
	"roadside/internal/estimate"
	"roadside/internal/model"
)

// requestView is a request as clients see it.
type requestView struct {
	model.ServiceRequest
	PaymentEligible bool `json:"paymentEligible"`
}

func viewOf(r model.ServiceRequest) requestView {
	return requestView{ServiceRequest: r, PaymentEligible: r.PaymentEligible()}
}

type createRequestBody struct {
	CustomerID        string            `json:"customerId"`
	IssueType         model.IssueType   `json:"issueType"`
	Description       string            `json:"description"`
	Vehicle           model.VehicleInfo `json:"vehicleInfo"`
	Images            []string          `json:"images"`
	Location          *model.Location   `json:"location"`
	Priority          model.Priority    `json:"priority"`
	BroadcastRadiusKm float64           `json:"broadcastRadius"`
	MechanicID        string            `json:"mechanicId"`
	IsDirectBooking   bool              `json:"isDirectBooking"`
}

// CreateRequestHandler handles POST /v1/requests.
func (s *Server) CreateRequestHandler(w http.ResponseWriter, r *http.Request, actor model.Actor) {
	var body createRequestBody
	if err := decode(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	switch actor.Role {
	case model.RoleCustomer:
		body.CustomerID = actor.ID
	case model.RoleAdmin:
		if strings.TrimSpace(body.CustomerID) == "" {
			writeError(w, r, model.Validationf("customerId is required when an admin creates a request"))
			return
		}
	default:
		writeError(w, r, model.Forbiddenf("only customers create requests"))
		return
	}
	res, err := s.Coord.CreateRequest(r.Context(), dispatch.CreateInput{
		CustomerID:        body.CustomerID,
		IssueType:         body.IssueType,
		Description:       body.Description,
		Vehicle:           body.Vehicle,
		Images:            body.Images,
		Location:          body.Location,
		Priority:          body.Priority,
		BroadcastRadiusKm: body.BroadcastRadiusKm,
		MechanicID:        body.MechanicID,
		IsDirectBooking:   body.IsDirectBooking,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	candidates := res.Candidates
	if candidates == nil {
		candidates = []model.NearbyMechanic{}
	}
	out := map[string]any{
		"request":            viewOf(res.Request),
		"candidates":         candidates,
		"quotationAvailable": res.QuotationAvailable,
	}
	if res.DispatchError != "" {
		out["dispatchError"] = res.DispatchError
	}
	w.Header().Set("Location", "/v1/requests/"+res.Request.ID)
	writeJSON(w, http.StatusCreated, out)
}

// ListRequestsHandler handles GET /v1/requests?status=&cursor=&limit=.
func (s *Server) ListRequestsHandler(w http.ResponseWriter, r *http.Request, actor model.Actor) {
	q := r.URL.Query()
	limit := 50
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, r, model.Validationf("limit must be a positive integer"))
			return
		}
		limit = min(n, 200)
	}
	items, next, err := s.Coord.ListRequests(r.Context(), actor, model.RequestFilter{
		Status: model.Status(q.Get("status")),
		Cursor: q.Get("cursor"),
		Limit:  limit,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	views := make([]requestView, len(items))
	for i, it := range items {
		views[i] = viewOf(it)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": views, "nextCursor": next})
}

// GetRequestHandler handles GET /v1/requests/{id}.
func (s *Server) GetRequestHandler(w http.ResponseWriter, r *http.Request, actor model.Actor) {
	req, err := s.Coord.GetRequest(r.Context(), mux.Vars(r)["id"], actor)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(req))
}

// AcceptHandler handles POST /v1/requests/{id}/accept.
func (s *Server) AcceptHandler(w http.ResponseWriter, r *http.Request, actor model.Actor) {
	if err := requireRole(actor, model.RoleMechanic); err != nil {
		writeError(w, r, err)
		return
	}
	var body struct {
		Quotation         *float64 `json:"quotation"`
		EstimatedDuration *int     `json:"estimatedDuration"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	req, err := s.Coord.AcceptRequest(r.Context(), dispatch.AcceptInput{
		RequestID:         mux.Vars(r)["id"],
		MechanicID:        actor.ID,
		Quotation:         body.Quotation,
		EstimatedDuration: body.EstimatedDuration,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(req))
}

// RejectHandler handles POST /v1/requests/{id}/reject.
func (s *Server) RejectHandler(w http.ResponseWriter, r *http.Request, actor model.Actor) {
	if err := requireRole(actor, model.RoleMechanic); err != nil {
		writeError(w, r, err)
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	req, err := s.Coord.RejectRequest(r.Context(), dispatch.RejectInput{
		RequestID:  mux.Vars(r)["id"],
		MechanicID: actor.ID,
		Reason:     body.Reason,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(req))
}

// StatusHandler handles POST /v1/requests/{id}/status.
func (s *Server) StatusHandler(w http.ResponseWriter, r *http.Request, actor model.Actor) {
	var body struct {
		Status      model.Status `json:"status"`
		Note        string       `json:"note"`
		FinalAmount *float64     `json:"finalAmount"`
		Reason      string       `json:"reason"`
		MechanicID  string       `json:"mechanicId"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	if !body.Status.Valid() {
		writeError(w, r, model.Validationf("status %q is not one of %v", body.Status, model.Statuses))
		return
	}
	req, err := s.Coord.UpdateStatus(r.Context(), dispatch.UpdateStatusInput{
		RequestID:   mux.Vars(r)["id"],
		Actor:       actor,
		Next:        body.Status,
		Note:        body.Note,
		FinalAmount: body.FinalAmount,
		Reason:      body.Reason,
		MechanicID:  body.MechanicID,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(req))
}

// CancelHandler handles POST /v1/requests/{id}/cancel.
func (s *Server) CancelHandler(w http.ResponseWriter, r *http.Request, actor model.Actor) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	req, err := s.Coord.CancelRequest(r.Context(), dispatch.CancelInput{
		RequestID: mux.Vars(r)["id"],
		Actor:     actor,
		Reason:    body.Reason,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(req))
}

// NotesHandler handles POST /v1/requests/{id}/notes.
func (s *Server) NotesHandler(w http.ResponseWriter, r *http.Request, actor model.Actor) {
	var body struct {
		Text string `json:"text"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	req, err := s.Coord.AddNote(r.Context(), mux.Vars(r)["id"], actor, body.Text)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(req))
}

// NearbyHandler handles GET /v1/mechanics/nearby?lat=&lng=&radius=&limit=.
func (s *Server) NearbyHandler(w http.ResponseWriter, r *http.Request, actor model.Actor) {
	if err := requireRole(actor, model.RoleCustomer, model.RoleAdmin); err != nil {
		writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
	lng, errLng := strconv.ParseFloat(q.Get("lng"), 64)
	if errLat != nil || errLng != nil {
		writeError(w, r, model.Validationf("lat and lng are required numbers"))
		return
	}
	var radius float64
	if v := q.Get("radius"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			writeError(w, r, model.Validationf("radius must be a number"))
			return
		}
		radius = f
	}
	var limit int
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, r, model.Validationf("limit must be an integer"))
			return
		}
		limit = n
	}
	out, err := s.Coord.FindNearbyMechanics(r.Context(), lat, lng, radius, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if out == nil {
		out = []model.NearbyMechanic{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

// UpsertMechanicHandler handles PUT /v1/mechanics/{id}.
func (s *Server) UpsertMechanicHandler(w http.ResponseWriter, r *http.Request, actor model.Actor) {
	id := mux.Vars(r)["id"]
	if err := selfOrAdmin(actor, id); err != nil {
		writeError(w, r, err)
		return
	}
	var body struct {
		Name        string          `json:"name"`
		Location    *model.Location `json:"location"`
		IsActive    *bool           `json:"isActive"`
		IsAvailable *bool           `json:"isAvailable"`
		PushToken   string          `json:"pushToken"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	in := dispatch.MechanicInput{
		ID:          id,
		Name:        body.Name,
		Location:    body.Location,
		IsActive:    true,
		IsAvailable: true,
		PushToken:   body.PushToken,
	}
	if body.IsActive != nil {
		in.IsActive = *body.IsActive
	}
	if body.IsAvailable != nil {
		in.IsAvailable = *body.IsAvailable
	}
	m, err := s.Coord.UpsertMechanic(r.Context(), actor, in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// HeartbeatHandler handles POST /v1/mechanics/{id}/heartbeat.
func (s *Server) HeartbeatHandler(w http.ResponseWriter, r *http.Request, actor model.Actor) {
	id := mux.Vars(r)["id"]
	if err := selfOrAdmin(actor, id); err != nil {
		writeError(w, r, err)
		return
	}
	var body struct {
		Location *model.Location `json:"location"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.Coord.Heartbeat(r.Context(), id, body.Location); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GoOfflineHandler handles DELETE /v1/mechanics/{id}/presence.
func (s *Server) GoOfflineHandler(w http.ResponseWriter, r *http.Request, actor model.Actor) {
	id := mux.Vars(r)["id"]
	if err := selfOrAdmin(actor, id); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.Coord.GoOffline(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeviceHandler handles PUT /v1/devices.
func (s *Server) DeviceHandler(w http.ResponseWriter, r *http.Request, actor model.Actor) {
	var body struct {
		Token string `json:"token"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.Coord.RegisterDevice(r.Context(), actor, body.Token); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// QuoteHandler handles POST /v1/quotes.
func (s *Server) QuoteHandler(w http.ResponseWriter, r *http.Request, actor model.Actor) {
	var in estimate.Input
	if err := decode(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	q, err := s.Coord.EstimateQuotation(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}
