package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"familynet/backend/internal/auditor"
	"familynet/backend/internal/ledger"
	"familynet/backend/internal/relationship"
	"familynet/backend/internal/state"
	apperrors "familynet/backend/pkg/errors"
)

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

// Requests

func (s *Server) createRequest(c *gin.Context) {
	var in ledger.CreateInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err)
		return
	}

	req, err := s.ledger.CreateRequest(c.Request.Context(), accountID(c), in)
	if err != nil {
		s.respondError(c, "create request", err)
		return
	}
	c.JSON(http.StatusCreated, req)
}

func (s *Server) listRequests(c *gin.Context) {
	status, ok := state.ParseRequestStatus(c.Query("status"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown status filter"})
		return
	}

	list, err := s.ledger.ListFor(c.Request.Context(), accountID(c), status)
	if err != nil {
		s.respondError(c, "list requests", err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) getRequest(c *gin.Context) {
	req, err := s.ledger.Get(c.Request.Context(), c.Param("id"), accountID(c))
	if err != nil {
		s.respondError(c, "get request", err)
		return
	}
	c.JSON(http.StatusOK, req)
}

func (s *Server) acceptRequest(c *gin.Context) {
	req, err := s.ledger.Accept(c.Request.Context(), c.Param("id"), accountID(c))
	if err != nil {
		s.respondError(c, "accept request", err)
		return
	}
	c.JSON(http.StatusOK, req)
}

func (s *Server) declineRequest(c *gin.Context) {
	req, err := s.ledger.Decline(c.Request.Context(), c.Param("id"), accountID(c))
	if err != nil {
		s.respondError(c, "decline request", err)
		return
	}
	c.JSON(http.StatusOK, req)
}

// Network

func (s *Server) listNetwork(c *gin.Context) {
	includeDisabled, _ := strconv.ParseBool(c.DefaultQuery("include_disabled", "false"))

	members, err := s.network.ListNetwork(c.Request.Context(), accountID(c), includeDisabled)
	if err != nil {
		s.respondError(c, "list network", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"members": members})
}

func (s *Server) setAccessLevel(c *gin.Context) {
	var body struct {
		AccessLevel string `json:"access_level"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}

	view, err := s.network.SetAccessLevel(c.Request.Context(), accountID(c), c.Param("peer"), body.AccessLevel)
	if err != nil {
		s.respondError(c, "set access level", err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) setEmergencyContact(c *gin.Context) {
	var body struct {
		IsEmergencyContact *bool `json:"is_emergency_contact"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}
	if body.IsEmergencyContact == nil {
		s.respondError(c, "set emergency contact", apperrors.NewMissingFields("is_emergency_contact"))
		return
	}

	view, err := s.network.SetEmergencyContact(c.Request.Context(), accountID(c), c.Param("peer"), *body.IsEmergencyContact)
	if err != nil {
		s.respondError(c, "set emergency contact", err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) disableMember(c *gin.Context) {
	if err := s.network.DisableMember(c.Request.Context(), accountID(c), c.Param("peer")); err != nil {
		s.respondError(c, "disable member", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "disabled"})
}

func (s *Server) enableMember(c *gin.Context) {
	if err := s.network.EnableMember(c.Request.Context(), accountID(c), c.Param("peer")); err != nil {
		s.respondError(c, "enable member", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "enabled"})
}

func (s *Server) dedupOwn(c *gin.Context) {
	removed, err := s.auditor.DedupPass(c.Request.Context(), accountID(c))
	if err != nil {
		s.respondError(c, "dedup network", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

// Audit

func (s *Server) listAudit(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
		return
	}
	if s.audit == nil {
		c.JSON(http.StatusOK, gin.H{"entries": []state.AuditEntry{}})
		return
	}

	entries, err := s.audit.ListByActor(c.Request.Context(), accountID(c), limit)
	if err != nil {
		s.respondError(c, "list audit", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// Relationships

type labelView struct {
	Label       string `json:"label"`
	Inverse     string `json:"inverse"`
	SelfInverse bool   `json:"self_inverse"`
}

func (s *Server) listRelationships(c *gin.Context) {
	labels := relationship.Labels()
	out := make([]labelView, 0, len(labels))
	for _, label := range labels {
		out = append(out, labelView{
			Label:       label,
			Inverse:     relationship.Inverse(label),
			SelfInverse: relationship.IsSelfInverse(label),
		})
	}
	c.JSON(http.StatusOK, gin.H{"labels": out})
}

// Admin

func (s *Server) repair(c *gin.Context) {
	var body struct {
		PageSize   int `json:"page_size"`
		MaxRecords int `json:"max_records"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			badRequest(c, err)
			return
		}
	}

	a := s.auditor
	if body.PageSize > 0 || body.MaxRecords > 0 {
		opts := a.Options()
		if body.PageSize > 0 {
			opts.PageSize = body.PageSize
		}
		if body.MaxRecords > 0 {
			opts.MaxRecords = body.MaxRecords
		}
		a = a.WithOptions(opts)
	}

	report, err := a.RepairPass(c.Request.Context())
	if err != nil {
		s.respondError(c, "repair", err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) dedupAdmin(c *gin.Context) {
	var body struct {
		AccountID string `json:"account_id"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			badRequest(c, err)
			return
		}
	}

	if body.AccountID != "" {
		removed, err := s.auditor.DedupPass(c.Request.Context(), body.AccountID)
		if err != nil {
			s.respondError(c, "dedup", err)
			return
		}
		c.JSON(http.StatusOK, auditor.DedupReport{Scanned: 1, Records: min(removed, 1), Removed: removed})
		return
	}

	report, err := s.auditor.DedupAll(c.Request.Context())
	if err != nil {
		s.respondError(c, "dedup all", err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) reconcile(c *gin.Context) {
	result, err := s.ledger.RetryReconcile(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, "reconcile", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sender_entry_created":    result.SenderEntryCreated,
		"recipient_entry_created": result.RecipientEntryCreated,
	})
}
