package rpcadapter

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/ontable/holdem/pkg/broadcast"
	"github.com/ontable/holdem/pkg/engine"
)

type createTableReq struct {
	Name    string       `json:"name"`
	OwnerID string       `json:"ownerId"`
	Config  engine.Config `json:"config"`
}

func (a *Adapter) createTable(r *http.Request) (any, error) {
	var req createTableReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, engine.NewError(engine.ErrInvalidAction, err.Error())
	}
	table, err := a.orc.CreateTable(r.Context(), req.Name, req.OwnerID, req.Config, time.Now())
	if err != nil {
		return nil, err
	}
	return table, nil
}

func (a *Adapter) deleteTable(r *http.Request) (any, error) {
	tableID := pathVar(r, "tableId")
	if err := a.orc.DeleteTable(r.Context(), tableID); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func (a *Adapter) getTable(w http.ResponseWriter, r *http.Request) {
	tableID := pathVar(r, "tableId")
	table, err := a.orc.GetTable(r.Context(), tableID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, table)
}

func (a *Adapter) getTableState(w http.ResponseWriter, r *http.Request) {
	tableID := pathVar(r, "tableId")
	viewerID := r.URL.Query().Get("userId")
	state, err := a.orc.GetTableState(r.Context(), tableID, viewerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, broadcast.Redact(state, viewerID))
}

type joinSeatReq struct {
	UserID      string `json:"userId"`
	BuyInAmount int64  `json:"buyInAmount"`
}

func (a *Adapter) joinSeat(r *http.Request) (any, error) {
	tableID := pathVar(r, "tableId")
	seatID, err := strconv.Atoi(pathVar(r, "seatId"))
	if err != nil {
		return nil, engine.NewError(engine.ErrSeatNotAvailable, "seatId must be an integer")
	}
	var req joinSeatReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, engine.NewError(engine.ErrInvalidAction, err.Error())
	}
	state, label, err := a.orc.JoinSeat(r.Context(), tableID, req.UserID, seatID, req.BuyInAmount)
	if err != nil {
		return nil, err
	}
	return map[string]any{"result": label, "state": broadcast.Redact(state, req.UserID)}, nil
}

type userReq struct {
	UserID string `json:"userId"`
}

func (a *Adapter) leaveSeat(r *http.Request) (any, error) {
	tableID := pathVar(r, "tableId")
	var req userReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, engine.NewError(engine.ErrInvalidAction, err.Error())
	}
	if err := a.orc.LeaveSeat(r.Context(), tableID, req.UserID); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

type submitActionReq struct {
	UserID string            `json:"userId"`
	Type   engine.ActionType `json:"type"`
	Amount *int64            `json:"amount,omitempty"`
}

func (a *Adapter) submitAction(r *http.Request) (any, error) {
	tableID := pathVar(r, "tableId")
	var req submitActionReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, engine.NewError(engine.ErrInvalidAction, err.Error())
	}
	state, err := a.orc.SubmitAction(r.Context(), tableID, req.UserID, engine.ActionInput{Type: req.Type, Amount: req.Amount}, time.Now())
	if err != nil {
		return nil, err
	}
	return broadcast.Redact(state, req.UserID), nil
}

func (a *Adapter) joinSpectator(r *http.Request) (any, error) {
	tableID := pathVar(r, "tableId")
	var req userReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, engine.NewError(engine.ErrInvalidAction, err.Error())
	}
	if err := a.orc.JoinSpectator(r.Context(), tableID, req.UserID, time.Now()); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func (a *Adapter) leaveSpectator(r *http.Request) (any, error) {
	tableID := pathVar(r, "tableId")
	var req userReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, engine.NewError(engine.ErrInvalidAction, err.Error())
	}
	if err := a.orc.LeaveSpectator(r.Context(), tableID, req.UserID); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

type moderationReq struct {
	OwnerID  string `json:"ownerId"`
	TargetID string `json:"targetUserId"`
}

func (a *Adapter) kickPlayer(r *http.Request) (any, error) {
	tableID := pathVar(r, "tableId")
	var req moderationReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, engine.NewError(engine.ErrInvalidAction, err.Error())
	}
	if err := a.orc.KickPlayer(r.Context(), tableID, req.OwnerID, req.TargetID); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

type muteReq struct {
	OwnerID  string `json:"ownerId"`
	TargetID string `json:"targetUserId"`
	Muted    bool   `json:"muted"`
}

func (a *Adapter) mutePlayer(r *http.Request) (any, error) {
	tableID := pathVar(r, "tableId")
	var req muteReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, engine.NewError(engine.ErrInvalidAction, err.Error())
	}
	if err := a.orc.MutePlayer(r.Context(), tableID, req.OwnerID, req.TargetID, req.Muted); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func (a *Adapter) pauseTable(r *http.Request) (any, error) {
	tableID := pathVar(r, "tableId")
	var req userReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, engine.NewError(engine.ErrInvalidAction, err.Error())
	}
	if err := a.orc.PauseTable(r.Context(), tableID, req.UserID); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func (a *Adapter) resumeTable(r *http.Request) (any, error) {
	tableID := pathVar(r, "tableId")
	var req userReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, engine.NewError(engine.ErrInvalidAction, err.Error())
	}
	if err := a.orc.ResumeTable(r.Context(), tableID, req.UserID); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}
