package authapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"classworks/cmd/internal/autoauth"
	"classworks/cmd/internal/httpx"
)

func (in ruleRequest) input() autoauth.RuleInput {
	return autoauth.RuleInput{Password: in.Password, DeviceType: in.DeviceType, IsReadOnly: in.IsReadOnly}
}

func (h *Handler) handleListRules(w http.ResponseWriter, r *http.Request) {
	acc, _ := h.account(r)
	rules, err := h.autoauth.List(r.Context(), acc.ID, chi.URLParam(r, "uuid"))
	if err != nil {
		h.writeError(w, r, "autoauth.list.fail", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, rulesResponse{Success: true, Configs: rules})
}

func (h *Handler) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	acc, _ := h.account(r)
	var req ruleRequest
	if err := httpx.DecodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		badRequest(w, "请求体格式错误")
		return
	}
	uuid := chi.URLParam(r, "uuid")
	rule, err := h.autoauth.Create(r.Context(), acc.ID, uuid, req.input())
	if err != nil {
		h.writeError(w, r, "autoauth.create.fail", err)
		return
	}
	h.audit(r, "autoauth.rule.create", "account_id", acc.ID, "device_uuid", uuid, "rule_id", rule.ID)
	httpx.WriteJSON(w, http.StatusCreated, ruleResponse{Success: true, Config: rule})
}

func (h *Handler) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	acc, _ := h.account(r)
	var req ruleRequest
	if err := httpx.DecodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		badRequest(w, "请求体格式错误")
		return
	}
	uuid := chi.URLParam(r, "uuid")
	rule, err := h.autoauth.Update(r.Context(), acc.ID, uuid, chi.URLParam(r, "configId"), req.input())
	if err != nil {
		h.writeError(w, r, "autoauth.update.fail", err)
		return
	}
	h.audit(r, "autoauth.rule.update", "account_id", acc.ID, "device_uuid", uuid, "rule_id", rule.ID)
	httpx.WriteJSON(w, http.StatusOK, ruleResponse{Success: true, Config: rule})
}

func (h *Handler) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	acc, _ := h.account(r)
	uuid, id := chi.URLParam(r, "uuid"), chi.URLParam(r, "configId")
	if err := h.autoauth.Delete(r.Context(), acc.ID, uuid, id); err != nil {
		h.writeError(w, r, "autoauth.delete.fail", err)
		return
	}
	h.audit(r, "autoauth.rule.delete", "account_id", acc.ID, "device_uuid", uuid, "rule_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleSetNamespace(w http.ResponseWriter, r *http.Request) {
	acc, _ := h.account(r)
	var req namespaceRequest
	if err := httpx.DecodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		badRequest(w, "请求体格式错误")
		return
	}
	if strings.TrimSpace(req.Namespace) == "" {
		badRequest(w, "namespace 是必需的")
		return
	}
	dev, err := h.autoauth.SetNamespace(r.Context(), acc.ID, chi.URLParam(r, "uuid"), req.Namespace)
	if err != nil {
		h.writeError(w, r, "autoauth.namespace.fail", err)
		return
	}
	h.audit(r, "autoauth.namespace.set", "account_id", acc.ID, "device_uuid", dev.UUID)
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"success": true, "device": namespaceDeviceView{
		ID:        dev.ID,
		UUID:      dev.UUID,
		Name:      dev.Name,
		Namespace: dev.Namespace,
		UpdatedAt: dev.UpdatedAt,
	}})
}
