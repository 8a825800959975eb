package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"taskboard/api/internal/auth"
	"taskboard/api/internal/store"
)

func testServer(t *testing.T, fs *fakeStore) *httptest.Server {
	t.Helper()
	svc := New(testConfig(), fs, newFakeSessions(), &fakeBus{}, nil)
	srv := httptest.NewServer(NewHTTPServer(svc, nil, "*").Handler())
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return payload
}

func issueTestToken(t *testing.T, userID string) string {
	t.Helper()
	token, err := auth.IssueToken("test-secret", userID, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func TestHealthEndpoint(t *testing.T) {
	srv := testServer(t, &fakeStore{})
	resp, err := http.Get(srv.URL + "/api/health")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	payload := decodeJSON(t, resp)
	if payload["ok"] != true {
		t.Fatalf("expected ok=true, got %v", payload)
	}
}

func TestReadyEndpoint(t *testing.T) {
	srv := testServer(t, &fakeStore{})
	resp, err := http.Get(srv.URL + "/api/ready")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	payload := decodeJSON(t, resp)
	if payload["status"] != "ready" {
		t.Fatalf("expected ready, got %v", payload)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	srv := testServer(t, &fakeStore{})
	for _, path := range []string{"/api/projects", "/api/users/emails", "/api/auth/me"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("%s: expected 401, got %d", path, resp.StatusCode)
		}
	}
}

func TestProtectedRouteRejectsExpiredToken(t *testing.T) {
	srv := testServer(t, &fakeStore{})
	expired, err := auth.IssueToken("test-secret", "user-1", -time.Minute)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	resp := doJSON(t, http.MethodGet, srv.URL+"/api/projects", expired, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestSignUpAndMe(t *testing.T) {
	var created store.User
	fs := &fakeStore{
		createUserFn: func(_ context.Context, user store.User) error {
			created = user
			return nil
		},
		getUserByIDFn: func(_ context.Context, userID string) (store.User, error) {
			return created, nil
		},
	}
	srv := testServer(t, fs)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/auth/signup", "", map[string]string{
		"name":     "Avery",
		"email":    "Avery@Example.com",
		"password": "secret1",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	payload := decodeJSON(t, resp)
	token, _ := payload["token"].(string)
	if token == "" {
		t.Fatalf("expected token in response, got %v", payload)
	}
	if payload["email"] != "avery@example.com" {
		t.Fatalf("expected lowercased email, got %v", payload["email"])
	}

	me := doJSON(t, http.MethodGet, srv.URL+"/api/auth/me", token, nil)
	if me.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", me.StatusCode)
	}
	mePayload := decodeJSON(t, me)
	if mePayload["userId"] != created.ID {
		t.Fatalf("expected %s, got %v", created.ID, mePayload["userId"])
	}
}

func TestLoginEndpointRejectsBadCredentials(t *testing.T) {
	srv := testServer(t, &fakeStore{})
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/auth/login", "", map[string]string{
		"email":    "nobody@example.com",
		"password": "whatever",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestCreateProjectEndpoint(t *testing.T) {
	fs := &fakeStore{
		getProjectFn: func(_ context.Context, projectID string) (store.Project, error) {
			return store.Project{ID: projectID, Title: "Board", OwnerID: "user-1"}, nil
		},
	}
	srv := testServer(t, fs)
	token := issueTestToken(t, "user-1")

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/projects", token, map[string]any{
		"title":       "Board",
		"description": "Team task board",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	payload := decodeJSON(t, resp)
	if payload["title"] != "Board" {
		t.Fatalf("unexpected project payload %v", payload)
	}
}

func TestCreateProjectRejectsMissingTitle(t *testing.T) {
	srv := testServer(t, &fakeStore{})
	token := issueTestToken(t, "user-1")

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/projects", token, map[string]any{
		"title": "   ",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", resp.StatusCode)
	}
}

func TestGetMissingTaskReturns404(t *testing.T) {
	srv := testServer(t, &fakeStore{})
	token := issueTestToken(t, "user-1")

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/tasks/task-nope", token, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestNonMemberProjectAccessForbidden(t *testing.T) {
	fs := &fakeStore{
		isProjectMemberFn: func(context.Context, string, string) (bool, error) {
			return false, nil
		},
	}
	srv := testServer(t, fs)
	token := issueTestToken(t, "user-1")

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/projects/proj-1", token, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}

func TestUnknownRouteReturns404(t *testing.T) {
	srv := testServer(t, &fakeStore{})
	token := issueTestToken(t, "user-1")

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/nope", token, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}
