package kpihandler_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"hrkpi/internal/domain/audit"
	"hrkpi/internal/domain/auth"
	"hrkpi/internal/domain/kpi"
	"hrkpi/internal/domain/org"
	"hrkpi/internal/platform/email"
	kpihandler "hrkpi/internal/transport/http/handlers/kpi"
	"hrkpi/internal/transport/http/middleware"
)

const secret = "handler-test-secret"

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type harness struct {
	t      *testing.T
	server *httptest.Server
	outbox *email.Outbox
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := org.NewMemoryStore()
	dir.PutTeam(org.Team{ID: "eng", CompanyID: "c1", Name: "Eng"})
	dir.PutTeam(org.Team{ID: "backend", CompanyID: "c1", Name: "Backend", ParentTeamID: "eng"})
	dir.PutEmployee(org.Employee{ID: "e1", CompanyID: "c1", Name: "Ana", Email: "ana@example.com"})
	dir.AddMember(org.TeamMember{ID: "m1", TeamID: "backend", EmployeeID: "e1", StartDate: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)})

	outbox := &email.Outbox{}
	svc := kpi.NewService(kpi.NewMemoryStore(), dir, kpi.Deps{
		Audit:      audit.New(audit.NewMemoryStore()),
		Mailer:     outbox,
		MailFrom:   "kpi@example.com",
		MaxRetries: 3,
	})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Auth(secret))
	r.Route("/api/v1", func(r chi.Router) {
		kpihandler.NewHandler(svc, auth.StaticPermissions{}).RegisterRoutes(r)
	})
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return &harness{t: t, server: ts, outbox: outbox}
}

func (h *harness) token(claims auth.Claims) string {
	h.t.Helper()
	token, err := auth.GenerateToken(secret, claims, time.Hour)
	if err != nil {
		h.t.Fatalf("token error: %v", err)
	}
	return token
}

func (h *harness) do(method, path, token string, body any) (*http.Response, envelope) {
	h.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, h.server.URL+path, reader)
	if err != nil {
		h.t.Fatalf("request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := h.server.Client().Do(req)
	if err != nil {
		h.t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()

	var env envelope
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
			h.t.Fatalf("decode: %v", err)
		}
	}
	return resp, env
}

func (h *harness) id(env envelope) string {
	h.t.Helper()
	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(env.Data, &out); err != nil || out.ID == "" {
		h.t.Fatalf("expected id in %s: %v", env.Data, err)
	}
	return out.ID
}

func expectStatus(t *testing.T, resp *http.Response, env envelope, want int) {
	t.Helper()
	if resp.StatusCode != want {
		t.Fatalf("expected %d, got %d (%+v)", want, resp.StatusCode, env.Error)
	}
}

type tokens struct {
	admin, lead, employee string
}

func (h *harness) tokens() tokens {
	return tokens{
		admin:    h.token(auth.Claims{UserID: "u-admin", CompanyID: "c1", RoleName: "admin"}),
		lead:     h.token(auth.Claims{UserID: "u-lead", CompanyID: "c1", RoleName: "gestor", TeamID: "eng", EmployeeID: "lead"}),
		employee: h.token(auth.Claims{UserID: "u-e1", CompanyID: "c1", RoleName: "usuario", EmployeeID: "e1"}),
	}
}

// setup creates a SUM KPI with Eng=5, Backend=2 and the employee at 10.
func (h *harness) setup(tk tokens) (eng, backend, own string) {
	resp, env := h.do(http.MethodPost, "/api/v1/kpi/evaluation-types", tk.admin, map[string]string{"name": "Count", "code": "HIGHER_BETTER_SUM"})
	expectStatus(h.t, resp, env, http.StatusCreated)
	typeID := h.id(env)

	resp, env = h.do(http.MethodPost, "/api/v1/kpi/kpis", tk.admin, map[string]string{"name": "bugs-fixed", "evaluationTypeId": typeID})
	expectStatus(h.t, resp, env, http.StatusCreated)
	kpiID := h.id(env)

	create := func(kind, subject, achieved string) string {
		resp, env := h.do(http.MethodPost, "/api/v1/kpi/aggregates", tk.admin, map[string]any{
			"subjectKind":   kind,
			"subjectId":     subject,
			"kpiId":         kpiID,
			"periodStart":   "2025-01-01",
			"periodEnd":     "2025-03-31",
			"achievedValue": achieved,
		})
		expectStatus(h.t, resp, env, http.StatusCreated)
		return h.id(env)
	}
	return create("team", "eng", "5"), create("team", "backend", "2"), create("employee", "e1", "10")
}

func achieved(t *testing.T, env envelope) string {
	t.Helper()
	var agg kpi.Aggregate
	if err := json.Unmarshal(env.Data, &agg); err != nil {
		t.Fatalf("decode aggregate: %v", err)
	}
	if agg.AchievedValue == nil {
		return ""
	}
	return *agg.AchievedValue
}

func TestSubmitApproveCascadesOverHTTP(t *testing.T) {
	h := newHarness(t)
	tk := h.tokens()
	eng, backend, own := h.setup(tk)

	resp, env := h.do(http.MethodPost, "/api/v1/kpi/evolutions", tk.employee, map[string]string{"aggregateId": own, "achievedValueEvolution": "3"})
	expectStatus(t, resp, env, http.StatusCreated)
	evID := h.id(env)

	resp, env = h.do(http.MethodPost, "/api/v1/kpi/evolutions/"+evID+"/approve", tk.employee, nil)
	expectStatus(t, resp, env, http.StatusForbidden)

	resp, env = h.do(http.MethodPost, "/api/v1/kpi/evolutions/"+evID+"/approve", tk.lead, nil)
	expectStatus(t, resp, env, http.StatusOK)

	for id, want := range map[string]string{own: "13", backend: "5", eng: "8"} {
		resp, env = h.do(http.MethodGet, "/api/v1/kpi/aggregates/"+id, tk.admin, nil)
		expectStatus(t, resp, env, http.StatusOK)
		if got := achieved(t, env); got != want {
			t.Fatalf("aggregate %s: expected %s, got %s", id, want, got)
		}
	}

	resp, env = h.do(http.MethodPost, "/api/v1/kpi/evolutions/"+evID+"/reject", tk.lead, map[string]string{"reason": "late"})
	expectStatus(t, resp, env, http.StatusConflict)
	if env.Error == nil || env.Error.Code != "invalid_transition" {
		t.Fatalf("expected invalid_transition, got %+v", env.Error)
	}
	if len(h.outbox.Messages()) != 1 {
		t.Fatalf("expected one approval email, got %d", len(h.outbox.Messages()))
	}

	resp, env = h.do(http.MethodPut, "/api/v1/kpi/evolutions/"+evID, tk.employee, map[string]string{"achievedValueEvolution": "1000"})
	expectStatus(t, resp, env, http.StatusConflict)
	if env.Error == nil || env.Error.Code != "invalid_transition" {
		t.Fatalf("expected invalid_transition, got %+v", env.Error)
	}
	resp, env = h.do(http.MethodGet, "/api/v1/kpi/aggregates/"+eng, tk.admin, nil)
	expectStatus(t, resp, env, http.StatusOK)
	if got := achieved(t, env); got != "8" {
		t.Fatalf("eng aggregate changed by employee edit: %s", got)
	}
}

func TestRejectWithReason(t *testing.T) {
	h := newHarness(t)
	tk := h.tokens()
	_, _, own := h.setup(tk)

	resp, env := h.do(http.MethodPost, "/api/v1/kpi/evolutions", tk.employee, map[string]string{"aggregateId": own, "achievedValueEvolution": "4"})
	expectStatus(t, resp, env, http.StatusCreated)
	evID := h.id(env)

	resp, env = h.do(http.MethodPost, "/api/v1/kpi/evolutions/"+evID+"/reject", tk.lead, map[string]string{"reason": "missing evidence"})
	expectStatus(t, resp, env, http.StatusOK)
	var ev kpi.Evolution
	if err := json.Unmarshal(env.Data, &ev); err != nil {
		t.Fatalf("decode evolution: %v", err)
	}
	if ev.Status != kpi.StatusRejected || ev.RejectionReason == nil || *ev.RejectionReason != "missing evidence" {
		t.Fatalf("unexpected evolution %+v", ev)
	}

	resp, env = h.do(http.MethodGet, "/api/v1/kpi/aggregates/"+own, tk.employee, nil)
	expectStatus(t, resp, env, http.StatusOK)
	if got := achieved(t, env); got != "10" {
		t.Fatalf("rejection must not fold, got %s", got)
	}
}

func TestListsAreScoped(t *testing.T) {
	h := newHarness(t)
	tk := h.tokens()
	h.setup(tk)

	resp, env := h.do(http.MethodGet, "/api/v1/kpi/aggregates", tk.employee, nil)
	expectStatus(t, resp, env, http.StatusOK)
	var items []kpi.Aggregate
	if err := json.Unmarshal(env.Data, &items); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(items) != 1 || items[0].SubjectID != "e1" {
		t.Fatalf("employee must only see their own aggregate, got %+v", items)
	}

	resp, env = h.do(http.MethodGet, "/api/v1/kpi/aggregates?subjectKind=team", tk.lead, nil)
	expectStatus(t, resp, env, http.StatusOK)
	items = nil
	if err := json.Unmarshal(env.Data, &items); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("lead of eng should see eng and backend team aggregates, got %d", len(items))
	}

	stranger := h.token(auth.Claims{UserID: "x", CompanyID: "c1", RoleName: "auditor"})
	resp, env = h.do(http.MethodGet, "/api/v1/kpi/aggregates", stranger, nil)
	expectStatus(t, resp, env, http.StatusForbidden)

	resp, env = h.do(http.MethodGet, "/api/v1/kpi/aggregates", "", nil)
	expectStatus(t, resp, env, http.StatusUnauthorized)
}

func TestValidationAndNotFound(t *testing.T) {
	h := newHarness(t)
	tk := h.tokens()

	resp, env := h.do(http.MethodPost, "/api/v1/kpi/aggregates", tk.admin, map[string]any{
		"subjectKind": "robot",
		"subjectId":   "e1",
		"kpiId":       "k1",
		"periodStart": "2025-03-31",
		"periodEnd":   "2025-01-01",
	})
	expectStatus(t, resp, env, http.StatusBadRequest)
	if env.Error == nil || env.Error.Code != "validation_error" {
		t.Fatalf("expected validation_error, got %+v", env.Error)
	}

	resp, env = h.do(http.MethodPost, "/api/v1/kpi/evaluation-types", tk.admin, map[string]string{"name": "x", "code": "MEDIAN"})
	expectStatus(t, resp, env, http.StatusBadRequest)

	resp, env = h.do(http.MethodGet, "/api/v1/kpi/evolutions/missing", tk.admin, nil)
	expectStatus(t, resp, env, http.StatusNotFound)

	resp, env = h.do(http.MethodGet, "/api/v1/kpi/teams/missing/upper", tk.admin, nil)
	expectStatus(t, resp, env, http.StatusNotFound)
}

func TestHierarchyAndScorecard(t *testing.T) {
	h := newHarness(t)
	tk := h.tokens()
	h.setup(tk)

	resp, env := h.do(http.MethodGet, "/api/v1/kpi/teams/backend/upper", tk.employee, nil)
	expectStatus(t, resp, env, http.StatusOK)
	var teams []org.Team
	if err := json.Unmarshal(env.Data, &teams); err != nil {
		t.Fatalf("decode teams: %v", err)
	}
	if len(teams) != 1 || teams[0].ID != "eng" {
		t.Fatalf("expected [eng], got %+v", teams)
	}

	resp, _ = h.do(http.MethodGet, "/api/v1/kpi/teams/eng/scorecard.pdf?periodStart=2025-01-01&periodEnd=2025-03-31", tk.admin, nil)
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "application/pdf" {
		t.Fatalf("expected pdf, got %d %s", resp.StatusCode, resp.Header.Get("Content-Type"))
	}

	resp, env = h.do(http.MethodGet, "/api/v1/kpi/teams/eng/scorecard.pdf", tk.admin, nil)
	expectStatus(t, resp, env, http.StatusBadRequest)
}

func TestDeleteEvolutionIsAdminOnly(t *testing.T) {
	h := newHarness(t)
	tk := h.tokens()
	_, _, own := h.setup(tk)

	resp, env := h.do(http.MethodPost, "/api/v1/kpi/evolutions", tk.employee, map[string]string{"aggregateId": own, "achievedValueEvolution": "1"})
	expectStatus(t, resp, env, http.StatusCreated)
	evID := h.id(env)

	resp, env = h.do(http.MethodDelete, "/api/v1/kpi/evolutions/"+evID, tk.lead, nil)
	expectStatus(t, resp, env, http.StatusForbidden)

	resp, env = h.do(http.MethodDelete, "/api/v1/kpi/evolutions/"+evID, tk.admin, nil)
	expectStatus(t, resp, env, http.StatusNoContent)

	resp, env = h.do(http.MethodGet, "/api/v1/kpi/evolutions/"+evID, tk.admin, nil)
	expectStatus(t, resp, env, http.StatusNotFound)
}
