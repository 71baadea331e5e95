package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"opsdesk/internal/models"
	"opsdesk/internal/services"

	"github.com/gin-gonic/gin"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newHandlerTestRouter(t *testing.T) (*gin.Engine, *gorm.DB) {
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&models.User{}, &models.Client{},
		&models.Ticket{}, &models.TicketComment{},
		&models.SLAPolicy{}, &models.SLARule{}, &models.TicketSLATracking{},
		&models.WorkflowDefinition{}, &models.WorkflowInstance{},
	); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}

	requester := models.User{Username: "alice", Email: "alice@acme.com"}
	if err := db.Create(&requester).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}
	client := models.Client{Name: "Acme"}
	if err := db.Create(&client).Error; err != nil {
		t.Fatalf("seed client: %v", err)
	}

	registry := services.NewWorkflowRegistry(db, nil)
	sla := services.NewSLAService(db, nil)
	ticketService := services.NewTicketService(db, nil, sla)

	ticketHandler := NewTicketHandler(ticketService, nil)
	workflowHandler := NewWorkflowHandler(registry, nil)
	slaHandler := NewSLAHandler(sla, ticketService, nil)

	r := gin.New()
	api := r.Group("/api")
	api.POST("/tickets", ticketHandler.CreateTicket)
	api.GET("/tickets/:id", ticketHandler.GetTicket)
	api.PUT("/tickets/:id/status", ticketHandler.UpdateStatus)
	api.POST("/workflows", workflowHandler.Create)
	api.GET("/workflows", workflowHandler.List)
	api.POST("/sla/check", slaHandler.RunCheck)

	return r, db
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestTicketHandler_CreateAndGet(t *testing.T) {
	r, _ := newHandlerTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/api/tickets", map[string]interface{}{
		"title":        "no internet",
		"client_id":    1,
		"requester_id": 1,
		"priority":     "high",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body: %s", w.Code, w.Body.String())
	}

	var ticket models.Ticket
	if err := json.Unmarshal(w.Body.Bytes(), &ticket); err != nil {
		t.Fatalf("decode ticket: %v", err)
	}
	if ticket.Priority != "high" || ticket.Status != "open" {
		t.Fatalf("unexpected ticket: %+v", ticket)
	}

	w = doJSON(t, r, http.MethodGet, "/api/tickets/1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	w = doJSON(t, r, http.MethodGet, "/api/tickets/999", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("missing ticket status = %d, want 404", w.Code)
	}

	// 缺少必填字段
	w = doJSON(t, r, http.MethodPost, "/api/tickets", map[string]interface{}{"title": "no requester"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("invalid create status = %d, want 400", w.Code)
	}
}

func TestTicketHandler_UpdateStatus(t *testing.T) {
	r, db := newHandlerTestRouter(t)

	doJSON(t, r, http.MethodPost, "/api/tickets", map[string]interface{}{
		"title": "t", "client_id": 1, "requester_id": 1,
	})

	w := doJSON(t, r, http.MethodPut, "/api/tickets/1/status", map[string]interface{}{
		"status": "in_progress", "user_id": 1,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("update status = %d, body: %s", w.Code, w.Body.String())
	}
	var ticket models.Ticket
	db.First(&ticket, 1)
	if ticket.Status != "in_progress" {
		t.Fatalf("ticket status = %s", ticket.Status)
	}

	w = doJSON(t, r, http.MethodPut, "/api/tickets/1/status", map[string]interface{}{
		"status": "vaporized",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("invalid status code = %d, want 400", w.Code)
	}
}

func TestWorkflowHandler_CreateValidation(t *testing.T) {
	r, _ := newHandlerTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/api/workflows", map[string]interface{}{
		"name":         "auto-ack",
		"trigger_type": "ticket_created",
		"actions":      []map[string]interface{}{{"name": "ack", "action_type": "add_comment", "parameters": map[string]interface{}{"content": "hi"}}},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create workflow status = %d, body: %s", w.Code, w.Body.String())
	}

	// 不支持的触发器类型
	w = doJSON(t, r, http.MethodPost, "/api/workflows", map[string]interface{}{
		"name":         "bad",
		"trigger_type": "full_moon",
		"actions":      []map[string]interface{}{{"name": "ack", "action_type": "broadcast"}},
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad trigger status = %d, want 400", w.Code)
	}

	w = doJSON(t, r, http.MethodGet, "/api/workflows", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	var resp struct {
		Total int `json:"total"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if resp.Total != 1 {
		t.Fatalf("total = %d, want 1", resp.Total)
	}
}

func TestSLAHandler_RunCheck(t *testing.T) {
	r, _ := newHandlerTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/api/sla/check", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("sla check status = %d, body: %s", w.Code, w.Body.String())
	}
	var result services.SLACheckResult
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.TicketsChecked != 0 {
		t.Fatalf("tickets_checked = %d, want 0", result.TicketsChecked)
	}
}
